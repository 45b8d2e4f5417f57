package innovation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrCheckpointChain = errors.New("checkpoint chain broken")

var genesis = strings.Repeat("0", 64)

// Checkpoint is a collapse hash of the accepted baseline taken before an
// evaluation. Each checkpoint hashes its snapshot together with the previous
// checkpoint's hash. Only the newest checkpoint keeps its snapshot; older
// ones keep the hash and the link.
type Checkpoint struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`

	vocabulary []string
}

func collapseHash(vocabulary []string, prev string) string {
	b, _ := json.Marshal(struct {
		Vocabulary []string `json:"vocabulary"`
		PrevHash   string   `json:"prev_hash"`
	}{vocabulary, prev})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// checkpoint snapshots the baseline. Caller holds p.mu.
func (p *Protector) checkpoint() Checkpoint {
	prev := p.anchor
	if n := len(p.checkpoints); n > 0 {
		prev = p.checkpoints[n-1].Hash
		p.checkpoints[n-1].vocabulary = nil
	}
	vocab := sortedKeys(p.baseline)
	cp := Checkpoint{
		ID:         uuid.NewString(),
		Hash:       collapseHash(vocab, prev),
		PrevHash:   prev,
		Size:       len(vocab),
		CreatedAt:  p.now().UTC(),
		vocabulary: vocab,
	}
	p.checkpoints = append(p.checkpoints, cp)
	if over := len(p.checkpoints) - p.cfg.MaxCheckpoints; over > 0 {
		p.anchor = p.checkpoints[over-1].Hash
		p.checkpoints = append([]Checkpoint(nil), p.checkpoints[over:]...)
	}
	return cp
}

// restore rolls the baseline back to cp. Caller holds p.mu.
func (p *Protector) restore(cp Checkpoint) {
	p.baseline = make(map[string]struct{}, len(cp.vocabulary))
	for _, tok := range cp.vocabulary {
		p.baseline[tok] = struct{}{}
	}
}

// Checkpoints returns the checkpoint chain, oldest first.
func (p *Protector) Checkpoints() []Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Checkpoint(nil), p.checkpoints...)
}

// VerifyCheckpoints checks every link of the retained chain, starting at the
// anchor, and recomputes the collapse hash of the newest checkpoint against
// its snapshot. It returns the number of checkpoints verified.
func (p *Protector) VerifyCheckpoints() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.anchor
	last := len(p.checkpoints) - 1
	for i, cp := range p.checkpoints {
		if cp.PrevHash != prev {
			return i, fmt.Errorf("%w: checkpoint %d does not link to its predecessor", ErrCheckpointChain, i)
		}
		if i == last && collapseHash(cp.vocabulary, cp.PrevHash) != cp.Hash {
			return i, fmt.Errorf("%w: checkpoint %d hash mismatch", ErrCheckpointChain, i)
		}
		prev = cp.Hash
	}
	return len(p.checkpoints), nil
}
