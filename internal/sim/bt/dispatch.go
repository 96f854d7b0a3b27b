package bt

import "workyard.ai/internal/sim/registry"

// IsStatus is the condition leaf for one status value.
func IsStatus(s registry.Status) *Condition {
	return Cond("is_"+string(s), func(c *Context) bool { return c.Worker.Status == s })
}

// DefaultHandlers maps every status to its action.
func DefaultHandlers() map[registry.Status]func(*Context) Status {
	return map[registry.Status]func(*Context) Status{
		registry.StatusBlocked:    HandleBlocked,
		registry.StatusHold:       HandleHold,
		registry.StatusIdle:       HandleIdle,
		registry.StatusMoving:     HandleMoving,
		registry.StatusWorking:    HandleWorking,
		registry.StatusComplete:   HandleSettled,
		registry.StatusTerminated: HandleSettled,
	}
}

// Dispatch builds the status dispatch tree: a Selector over one
// [IsStatus X, HandleX] Sequence per status, in registry.AllStatuses order.
// Statuses without a handler are left out, so such workers fail the tick.
func Dispatch(handlers map[registry.Status]func(*Context) Status) *Tree {
	branches := make([]Node, 0, len(handlers))
	for _, s := range registry.AllStatuses {
		h, ok := handlers[s]
		if !ok {
			continue
		}
		branches = append(branches, Sequence("on_"+string(s), IsStatus(s), Act("handle_"+string(s), h)))
	}
	return New(Selector("dispatch", branches...))
}

// DispatchTree is Dispatch over DefaultHandlers.
func DispatchTree() *Tree { return Dispatch(DefaultHandlers()) }

// TickWorker loads worker id into c and runs one tree evaluation.
func (t *Tree) TickWorker(c *Context, id string) (Status, error) {
	if !c.Load(id) {
		return Failure, nil
	}
	return t.Tick(c)
}
