package bt

import (
	"fmt"

	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/geom"
	"workyard.ai/internal/sim/motion"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/utility"
)

// Handlers draw from c.Rand in a fixed order so scripted sources can drive
// them; the order is noted on each handler.

// HandleBlocked recovers to working with RecoverChance. Draws: roll.
func HandleBlocked(c *Context) Status {
	if !c.roll(c.Behavior.RecoverChance) {
		return Success
	}
	if err := c.Update(func(w *registry.Worker) {
		w.Status = registry.StatusWorking
		w.Error = ""
	}); err != nil {
		return Failure
	}
	c.Event(registry.EventRecover, fmt.Sprintf("%s recovered", c.Worker.Name))
	return Success
}

// HandleHold drains tokens. Draws: amount.
func HandleHold(c *Context) Status {
	n := c.intn(c.Behavior.HoldDrainMin, c.Behavior.HoldDrainMax)
	if err := c.Update(func(w *registry.Worker) {
		w.Tokens -= n
		if w.Tokens < 0 {
			w.Tokens = 0
		}
	}); err != nil {
		return Failure
	}
	return Success
}

// HandleIdle sends the worker somewhere new with ReassignChance.
// Draws: roll, then those of Reassign.
func HandleIdle(c *Context) Status {
	if !c.roll(c.Behavior.ReassignChance) {
		return Success
	}
	sc, err := Reassign(c)
	if err != nil {
		return Failure
	}
	c.Event(registry.EventAssign, fmt.Sprintf("%s heading to %s (%s)", c.Worker.Name, sc.Region.Name, c.Worker.Task))
	return Success
}

// HandleMoving integrates one step toward the goal. A worker with no motion
// state fails without changes.
func HandleMoving(c *Context) Status {
	st, ok := c.Motion.Get(c.Worker.ID)
	if !ok {
		return Failure
	}
	var v geom.Vec2
	if c.Steering != nil {
		v = c.Steering.Arrive(c.Worker.Pos, st.Goal, st.Speed)
	} else {
		v = st.Goal.Sub(c.Worker.Pos).Normalize().Scale(st.Speed)
	}
	if _, err := Advance(c, st, v); err != nil {
		return Failure
	}
	return Success
}

// HandleWorking accumulates tokens and progress, or fails with FailChance.
// Draws: fail roll, then (on failure) message; otherwise tokens, progress,
// files roll.
func HandleWorking(c *Context) Status {
	b := c.Behavior
	if c.roll(b.FailChance) {
		msg := c.pick(b.FailureMessages)
		if msg == "" {
			msg = "task failed"
		}
		if err := c.Update(func(w *registry.Worker) {
			w.Status = registry.StatusBlocked
			w.Error = msg
		}); err != nil {
			return Failure
		}
		c.Registry.Bump(registry.Stats{Failed: 1})
		c.Event(registry.EventFail, fmt.Sprintf("%s blocked: %s", c.Worker.Name, msg))
		return Success
	}

	tokens := c.intn(b.TokenBumpMin, b.TokenBumpMax)
	progress := c.uniform(b.ProgressBumpMin, b.ProgressBumpMax)
	touched := c.roll(b.FilesTouchedChance)

	if err := c.Update(func(w *registry.Worker) {
		w.Tokens += tokens
		w.Progress += progress
	}); err != nil {
		return Failure
	}
	if touched {
		c.Registry.Bump(registry.Stats{FilesTouched: 1})
	}
	if c.Scorer != nil && c.Worker.TargetRegion != "" {
		c.Scorer.Touch(c.Worker.TargetRegion, c.Now)
	}

	if c.Worker.Progress >= 100 {
		if err := c.Update(func(w *registry.Worker) { w.Status = registry.StatusComplete }); err != nil {
			return Failure
		}
		c.Registry.Bump(registry.Stats{Completed: 1})
		if c.Scorer != nil && c.Worker.TargetRegion != "" {
			c.Scorer.Assign(c.Worker.TargetRegion, -1)
		}
		c.Event(registry.EventComplete, fmt.Sprintf("%s finished %s", c.Worker.Name, taskOr(c.Worker.Task)))
		if c.OnComplete != nil {
			c.OnComplete(c)
		}
	}
	return Success
}

// HandleSettled is the handler for complete and terminated workers. They
// wait for the despawn timers.
func HandleSettled(c *Context) Status { return Success }

// Reassign asks the scorer for a region and sends the worker there.
// Draws: selection (when any top score is positive), then those of SendTo.
func Reassign(c *Context) (utility.Score, error) {
	sc, err := c.Scorer.Select(c.Worker, c.Catalogs.Candidates(), c.Rand.Float64)
	if err != nil {
		return sc, err
	}
	if err := SendTo(c, sc.Region); err != nil {
		return sc, err
	}
	return sc, nil
}

// SendTo puts the worker in transit to r with a fresh goal, speed and task
// label, clearing progress and any error.
// Draws: goal x, goal y, speed, label.
func SendTo(c *Context, r catalogs.Region) error {
	goal := r.Bounds.Sample(c.Rand.Float64, c.Behavior.GoalMargin)
	speed := c.uniform(c.Behavior.SpeedMin, c.Behavior.SpeedMax)
	label := c.Catalogs.TaskLabel(r.Type, c.Rand.Float64)

	prev := c.Worker.TargetRegion
	if err := c.Update(func(w *registry.Worker) {
		w.Status = registry.StatusMoving
		w.TargetRegion = r.ID
		w.Task = label
		w.Progress = 0
		w.Error = ""
	}); err != nil {
		return err
	}
	c.Motion.Set(c.Worker.ID, motion.State{Goal: goal, Speed: speed})
	if c.Scorer != nil {
		if prev != "" && prev != r.ID {
			c.Scorer.Assign(prev, -1)
		}
		if prev != r.ID {
			c.Scorer.Assign(r.ID, 1)
		}
	}
	return nil
}

// Advance moves the worker by v. Closer than ArriveEpsilon to the goal it
// snaps onto the goal, drops the motion state and fires OnArrive. A failed
// position write leaves the motion state alone.
func Advance(c *Context, st *motion.State, v geom.Vec2) (bool, error) {
	next := c.Worker.Pos.Add(v)
	arrived := next.Dist(st.Goal) < c.Behavior.ArriveEpsilon
	if arrived {
		next = st.Goal
	}
	if err := c.Update(func(w *registry.Worker) { w.Pos = next }); err != nil {
		return false, err
	}
	st.Velocity = v
	if !arrived {
		return false, nil
	}
	st.Velocity = geom.Vec2{}
	c.Motion.Delete(c.Worker.ID)
	if c.OnArrive != nil {
		c.OnArrive(c)
	} else {
		Arrive(c)
	}
	return true, nil
}

// Arrive is the standard arrival transition: working when a task is set,
// idle otherwise.
func Arrive(c *Context) {
	next := registry.StatusIdle
	if c.Worker.Task != "" {
		next = registry.StatusWorking
	}
	if err := c.Update(func(w *registry.Worker) { w.Status = next }); err != nil {
		return
	}

	where := c.Worker.TargetRegion
	if r, ok := c.Catalogs.Regions.Get(where); ok {
		where = r.Name
	}
	if c.Scorer != nil && c.Worker.TargetRegion != "" {
		c.Scorer.Touch(c.Worker.TargetRegion, c.Now)
	}
	c.Event(registry.EventArrive, fmt.Sprintf("%s reached %s", c.Worker.Name, where))
}

func taskOr(task string) string {
	if task == "" {
		return "its task"
	}
	return task
}
