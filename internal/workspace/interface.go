package workspace

import "context"

// Slot is one isolated checkout of the repository. Index is 1-based and the
// branch name derives from it, so at most one slot ever holds a given branch.
type Slot struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Manager governs the fixed pool of per-slot git worktrees.
type Manager interface {
	// Ensure prunes stale worktree registrations and creates any missing
	// checkout.
	Ensure(ctx context.Context) ([]Slot, error)

	// Slot returns the slot at index (1..N).
	Slot(index int) (Slot, error)

	// Slots lists every slot in index order.
	Slots() []Slot

	// Reset moves the slot's branch to the mainline tip.
	Reset(ctx context.Context, slot Slot) error

	// SlotForBranch maps a branch name back to an in-range slot.
	SlotForBranch(branch string) (Slot, bool)
}
