package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Worker is one entry of a WorkerPool.
type Worker struct {
	// ID is the pool key; it is not part of the member object.
	ID         string `json:"-"`
	InstanceID string `json:"instance_id"`
	// Threads is the load reported by the worker. Missing counts as 0.
	Threads int   `json:"threads"`
	Extra   Extra `json:"-"`
}

type workerAlias Worker

func (w *Worker) UnmarshalJSON(data []byte) error {
	var a workerAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtra(data, "instance_id", "threads")
	if err != nil {
		return err
	}
	a.Extra = extra
	a.ID = w.ID
	*w = Worker(a)
	return nil
}

func (w Worker) MarshalJSON() ([]byte, error) {
	return mergeExtra(workerAlias(w), w.Extra)
}

// WorkerPool is the workers member of a target template. It is a JSON
// object keyed by worker id; decoding keeps document order.
type WorkerPool []Worker

var errPoolNotObject = errors.New("workflow: workers must be an object")

func (p *WorkerPool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errPoolNotObject
	}

	var pool WorkerPool
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errPoolNotObject
		}
		w := Worker{ID: key}
		if err := dec.Decode(&w); err != nil {
			return fmt.Errorf("worker %q: %w", key, err)
		}
		// A repeated key keeps its first position and the last value.
		if i, seen := index[key]; seen {
			pool[i] = w
			continue
		}
		index[key] = len(pool)
		pool = append(pool, w)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = pool
	return nil
}

func (p WorkerPool) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, w := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(w.ID)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// LeastLoaded returns the worker with the fewest threads. Ties go to the
// worker that appears first. The pool is read as-is: selection does not
// reserve capacity, so concurrent callers may pick the same worker.
func (p WorkerPool) LeastLoaded() (Worker, bool) {
	if len(p) == 0 {
		return Worker{}, false
	}
	best := p[0]
	for _, w := range p[1:] {
		if w.Threads < best.Threads {
			best = w
		}
	}
	return best, true
}
