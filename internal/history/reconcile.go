package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Reconciler merges fetched pages and realtime events into a Sequence.
type Reconciler struct {
	seq *Sequence
}

// NewReconciler returns a reconciler bound to seq.
func NewReconciler(seq *Sequence) *Reconciler {
	return &Reconciler{seq: seq}
}

// Sequence returns the sequence the reconciler mutates.
func (r *Reconciler) Sequence() *Sequence { return r.seq }

type owner struct {
	gap Gap
	// implicit is set for an empty sequence, which behaves as one
	// unbounded gap that has not been materialised.
	implicit bool
}

// Owner returns the gap a page fetched in dir from anchor belongs to.
func (r *Reconciler) Owner(dir Direction, anchor snowflake.ID) (Gap, bool) {
	o, ok := r.owner(dir, anchor)
	return o.gap, ok
}

func (r *Reconciler) owner(dir Direction, anchor snowflake.ID) (owner, bool) {
	s := r.seq
	if s.Len() == 0 {
		if dir == Around && anchor.IsZero() {
			return owner{}, false
		}
		return owner{implicit: true}, true
	}
	switch dir {
	case Before:
		if anchor.IsZero() {
			if last := s.At(s.Len() - 1); last.IsGap() {
				return owner{gap: last.Gap}, true
			}
			return owner{}, false
		}
		pos, ok := s.search(MessageKey(anchor))
		if !ok || pos == 0 {
			return owner{}, false
		}
		if e := s.At(pos - 1); e.IsGap() {
			return owner{gap: e.Gap}, true
		}
	case After:
		if anchor.IsZero() {
			if first := s.At(0); first.IsGap() {
				return owner{gap: first.Gap}, true
			}
			return owner{}, false
		}
		pos, ok := s.search(MessageKey(anchor))
		if !ok || pos+1 >= s.Len() {
			return owner{}, false
		}
		if e := s.At(pos + 1); e.IsGap() {
			return owner{gap: e.Gap}, true
		}
	case Around:
		if anchor.IsZero() {
			return owner{}, false
		}
		pos, found := s.search(MessageKey(anchor))
		if found || pos == 0 {
			return owner{}, false
		}
		if e := s.At(pos - 1); e.IsGap() {
			return owner{gap: e.Gap}, true
		}
	}
	return owner{}, false
}

// ValidatePage checks a page is strictly ascending and lies on the requested
// side of its anchor.
func ValidatePage(dir Direction, anchor snowflake.ID, page []models.Message, wasFull bool) error {
	violation := func(format string, args ...any) error {
		return &ProtocolError{Direction: dir, Anchor: anchor, Reason: fmt.Sprintf(format, args...)}
	}
	if len(page) == 0 && wasFull {
		return violation("empty page reported as full")
	}
	var prev snowflake.ID
	for i, msg := range page {
		if msg.ID.IsZero() {
			return violation("message %d has no id", i)
		}
		if i > 0 && msg.ID <= prev {
			return violation("%s does not follow %s", msg.ID, prev)
		}
		prev = msg.ID
		if anchor.IsZero() {
			continue
		}
		switch dir {
		case Before:
			if msg.ID >= anchor {
				return violation("%s is not before the anchor", msg.ID)
			}
		case After:
			if msg.ID <= anchor {
				return violation("%s is not after the anchor", msg.ID)
			}
		}
	}
	return nil
}

// MergePage integrates a history page fetched in dir relative to anchor.
//
// A page whose gap no longer exists is stale and leaves the sequence
// untouched. A malformed page is rejected with a *ProtocolError. Otherwise
// messages inside the gap are inserted and the gap shrinks towards the
// unfetched side when wasFull, or is consumed when not.
func (r *Reconciler) MergePage(dir Direction, anchor snowflake.ID, page []models.Message, wasFull bool) (Result, error) {
	o, ok := r.owner(dir, anchor)
	if !ok {
		return Result{Stale: true}, nil
	}
	if err := ValidatePage(dir, anchor, page, wasFull); err != nil {
		return Result{}, err
	}

	gap := o.gap
	inside := make([]models.Message, 0, len(page))
	var reachedLower, reachedUpper bool
	for _, msg := range page {
		switch {
		case !gap.OpenTop() && msg.ID <= gap.Lower:
			reachedLower = true
		case !gap.OpenBottom() && msg.ID >= gap.Upper:
			reachedUpper = true
		default:
			inside = append(inside, msg)
		}
	}
	keepLower, keepUpper := resolveGap(dir, anchor, o.implicit, wasFull, reachedLower, reachedUpper)

	var res Result
	if len(inside) == 0 {
		if keepLower || keepUpper || o.implicit {
			return res, nil
		}
		if err := r.seq.RemoveGap(gap.ID); err != nil {
			return res, err
		}
		res.Touched.Extend(GapKey(gap.Lower))
		return res, nil
	}

	if !o.implicit {
		if err := r.seq.RemoveGap(gap.ID); err != nil {
			return res, err
		}
		res.Touched.Extend(GapKey(gap.Lower))
	}
	for _, msg := range inside {
		if err := r.seq.InsertMessage(msg); err != nil {
			if errors.Is(err, ErrDuplicateID) {
				continue
			}
			return res, err
		}
		res.Inserted = append(res.Inserted, msg.ID)
		res.Touched.Extend(MessageKey(msg.ID))
	}

	// The part nearest the lower bound keeps the gap's identity.
	id := gap.ID
	if keepLower {
		if _, err := r.seq.placeGap(gap.Lower, id, false); err != nil {
			return res, err
		}
		res.Touched.Extend(GapKey(gap.Lower))
		id = 0
	}
	if keepUpper {
		last := inside[len(inside)-1].ID
		if _, err := r.seq.placeGap(last, id, false); err != nil {
			return res, err
		}
		res.Touched.Extend(GapKey(last))
	}
	return res, nil
}

func resolveGap(dir Direction, anchor snowflake.ID, implicit, wasFull, reachedLower, reachedUpper bool) (keepLower, keepUpper bool) {
	switch dir {
	case Before:
		keepLower = wasFull && !reachedLower
		// Nothing is known at or after an anchor that was never loaded.
		keepUpper = implicit && !anchor.IsZero()
	case After:
		keepUpper = wasFull && !reachedUpper
		keepLower = implicit && !anchor.IsZero()
	case Around:
		keepLower = wasFull && !reachedLower
		keepUpper = wasFull && !reachedUpper
	}
	return keepLower, keepUpper
}

// OnCreated integrates a realtime message. previous is the channel's last
// message id before msg as reported by the gateway, or zero when unknown.
//
// When msg directly follows a loaded message it is inserted as is, unless
// previous proves a message was missed in between, in which case a gap is
// placed before msg. A message landing inside a gap splits it: the gap
// moves below msg and a new gap covers the part above unless previous is
// the gap's lower bound.
func (r *Reconciler) OnCreated(msg models.Message, previous snowflake.ID) Result {
	var res Result
	if msg.ID.IsZero() || r.seq.Contains(msg.ID) {
		return res
	}
	key := MessageKey(msg.ID)
	pos, _ := r.seq.search(key)
	if pos == 0 {
		if err := r.seq.InsertMessage(msg); err != nil {
			return res
		}
		res.Inserted = append(res.Inserted, msg.ID)
		res.Touched.Extend(key)
		// Nothing loaded above msg, yet the gateway saw an earlier message.
		if !previous.IsZero() && previous < msg.ID {
			if _, err := r.seq.InsertGap(0); err == nil {
				res.Touched.Extend(GapKey(0))
			}
		}
		return res
	}

	pred := r.seq.At(pos - 1)
	if !pred.IsGap() {
		if err := r.seq.InsertMessage(msg); err != nil {
			return res
		}
		res.Inserted = append(res.Inserted, msg.ID)
		res.Touched.Extend(key)
		if !previous.IsZero() && previous > pred.Message.ID && previous < msg.ID {
			if _, err := r.seq.InsertGap(pred.Message.ID); err == nil {
				res.Touched.Extend(GapKey(pred.Message.ID))
			}
		}
		return res
	}

	gap := pred.Gap
	if err := r.seq.RemoveGap(gap.ID); err != nil {
		return res
	}
	res.Touched.Extend(GapKey(gap.Lower))
	if err := r.seq.InsertMessage(msg); err != nil {
		return res
	}
	res.Inserted = append(res.Inserted, msg.ID)
	res.Touched.Extend(key)
	if _, err := r.seq.placeGap(msg.ID, gap.ID, gap.InFlight); err == nil {
		res.Touched.Extend(GapKey(msg.ID))
	}
	if previous.IsZero() || previous != gap.Lower {
		if _, err := r.seq.InsertGap(gap.Lower); err == nil {
			res.Touched.Extend(GapKey(gap.Lower))
		}
	}
	return res
}

// OnUpdated merges patch into a loaded message. Unknown ids are a no-op.
// Without editedAt the message keeps its edit state.
func (r *Reconciler) OnUpdated(id snowflake.ID, patch models.ContentPatch, editedAt *time.Time) Result {
	var res Result
	if err := r.seq.Replace(id, patch, editedAt); err != nil {
		return res
	}
	res.Updated = append(res.Updated, id)
	res.Touched.Extend(MessageKey(id))
	return res
}

// OnDeleted removes a loaded message. Unknown ids are a no-op.
func (r *Reconciler) OnDeleted(id snowflake.ID) Result {
	var res Result
	if _, err := r.seq.Remove(id); err != nil {
		return res
	}
	res.Removed = append(res.Removed, id)
	res.Touched.Extend(MessageKey(id))
	return res
}

// Apply dispatches a realtime event.
func (r *Reconciler) Apply(ev models.Event) Result {
	switch ev.Type {
	case models.EventTypeMessageCreated:
		if ev.Message == nil {
			return Result{}
		}
		return r.OnCreated(*ev.Message, ev.Previous)
	case models.EventTypeMessageUpdated:
		if ev.Content == nil || ev.Content.IsEmpty() {
			return Result{}
		}
		return r.OnUpdated(ev.MessageID, *ev.Content, ev.EditedAt)
	case models.EventTypeMessageDeleted:
		return r.OnDeleted(ev.MessageID)
	default:
		return Result{}
	}
}
