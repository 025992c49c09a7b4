package train

import "fmt"

// Matching binds unsupervised cluster ids to supervised class ids. It
// must be a bijection over {0..numClasses-1}: every cluster id maps to
// exactly one class id and vice versa. The pipeline's background
// convention means pair (0,0) is customary but not enforced.
type Matching map[int]int

// NewMatching validates a list of (cluster_id, class_id) pairs against
// the class count. A malformed matching is rejected here, before any
// training work happens.
func NewMatching(pairs [][]int, numClasses int) (Matching, error) {
	if len(pairs) != numClasses {
		return nil, fmt.Errorf("matching has %d pairs for %d classes", len(pairs), numClasses)
	}

	m := make(Matching, numClasses)
	classSeen := make([]bool, numClasses)
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("matching entry %v is not a (cluster, class) pair", p)
		}
		cluster, class := p[0], p[1]
		if cluster < 0 || cluster >= numClasses {
			return nil, fmt.Errorf("matching: cluster id %d out of range [0,%d)", cluster, numClasses)
		}
		if class < 0 || class >= numClasses {
			return nil, fmt.Errorf("matching: class id %d out of range [0,%d)", class, numClasses)
		}
		if _, dup := m[cluster]; dup {
			return nil, fmt.Errorf("matching: cluster id %d assigned twice", cluster)
		}
		if classSeen[class] {
			return nil, fmt.Errorf("matching: class id %d assigned twice", class)
		}
		m[cluster] = class
		classSeen[class] = true
	}
	return m, nil
}

// Class maps a cluster id to its class id.
func (m Matching) Class(cluster int) (int, error) {
	class, ok := m[cluster]
	if !ok {
		return 0, fmt.Errorf("matching: no class for cluster id %d", cluster)
	}
	return class, nil
}

// Identity returns the trivial matching over numClasses ids.
func Identity(numClasses int) Matching {
	m := make(Matching, numClasses)
	for i := 0; i < numClasses; i++ {
		m[i] = i
	}
	return m
}
