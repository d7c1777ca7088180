package history

import (
	"fmt"
	"time"

	"github.com/tidwall/btree"

	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// slot is one cell of the arena. Slots are reused through the free list;
// a message keeps its slot for as long as it is loaded.
type slot struct {
	key      Key
	msg      models.Message
	gap      GapID
	inFlight bool
	live     bool
}

// ref is an index item: the entry's key and the arena slot holding it.
type ref struct {
	key  Key
	slot int32
}

func refLess(a, b ref) bool { return a.key.Less(b.key) }

// Sequence is the ordered set of messages and gaps for one channel. Entries
// live in a dense arena; index is a counted B-tree of slot refs ordered by
// key, so lookups, inserts, removals and positional access are O(log n).
//
// A Sequence is not safe for concurrent use.
type Sequence struct {
	slots      []slot
	free       []int32
	index      *btree.BTreeG[ref]
	messages   map[snowflake.ID]int32
	gaps       map[GapID]int32
	nextGap    GapID
	generation uint64
	version    uint64
}

// Option configures a Sequence.
type Option func(*Sequence)

// WithGeneration tags the sequence with the generation it was opened under.
func WithGeneration(generation uint64) Option {
	return func(s *Sequence) {
		s.generation = generation
	}
}

// New returns an empty sequence.
func New(opts ...Option) *Sequence {
	s := &Sequence{
		index:    btree.NewBTreeGOptions(refLess, btree.Options{NoLocks: true}),
		messages: make(map[snowflake.ID]int32),
		gaps:     make(map[GapID]int32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generation identifies the channel session that owns the sequence.
func (s *Sequence) Generation() uint64 { return s.generation }

// Version increases on every mutation.
func (s *Sequence) Version() uint64 { return s.version }

func (s *Sequence) Len() int { return s.index.Len() }

func (s *Sequence) MessageCount() int { return len(s.messages) }

func (s *Sequence) GapCount() int { return len(s.gaps) }

// Search returns the position of the first entry whose key is >= k.
func (s *Sequence) Search(k Key) int {
	pos, _ := s.search(k)
	return pos
}

// IndexOf returns the position of the entry with key k.
func (s *Sequence) IndexOf(k Key) (int, bool) {
	return s.search(k)
}

func (s *Sequence) search(k Key) (int, bool) {
	lo, hi := 0, s.index.Len()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if r, _ := s.index.GetAt(mid); r.key.Less(k) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if _, ok := s.index.Get(ref{key: k}); !ok {
		return lo, false
	}
	return lo, true
}

// successor returns the first index item whose key sorts after k.
func (s *Sequence) successor(k Key) (ref, bool) {
	var next ref
	found := false
	s.index.Ascend(ref{key: k}, func(r ref) bool {
		if r.key == k {
			return true
		}
		next, found = r, true
		return false
	})
	return next, found
}

// predecessor returns the last index item whose key sorts before k.
func (s *Sequence) predecessor(k Key) (ref, bool) {
	var prev ref
	found := false
	s.index.Descend(ref{key: k}, func(r ref) bool {
		if r.key == k {
			return true
		}
		prev, found = r, true
		return false
	})
	return prev, found
}

// At returns the entry at position i.
func (s *Sequence) At(i int) Entry {
	r, ok := s.index.GetAt(i)
	if !ok {
		panic(fmt.Sprintf("history: position %d out of range [0, %d)", i, s.index.Len()))
	}
	return s.entry(r)
}

func (s *Sequence) entry(r ref) Entry {
	sl := &s.slots[r.slot]
	e := Entry{Key: sl.key}
	if !sl.key.Gap {
		e.Message = sl.msg
		return e
	}
	e.Gap = Gap{ID: sl.gap, Lower: sl.key.ID, InFlight: sl.inFlight}
	if next, ok := s.successor(sl.key); ok {
		e.Gap.Upper = next.key.ID
	}
	return e
}

// Entries returns a copy of every entry in order.
func (s *Sequence) Entries() []Entry {
	return s.Slice(0, s.index.Len())
}

// Slice returns entries in [from, to), clamped to the sequence.
func (s *Sequence) Slice(from, to int) []Entry {
	from = max(from, 0)
	to = min(to, s.index.Len())
	if from >= to {
		return nil
	}
	first, _ := s.index.GetAt(from)
	out := make([]Entry, 0, to-from)
	var pending *Entry
	s.index.Ascend(first, func(r ref) bool {
		if pending != nil {
			pending.Gap.Upper = r.key.ID
			pending = nil
		}
		if len(out) == to-from {
			return false
		}
		sl := &s.slots[r.slot]
		e := Entry{Key: sl.key}
		if sl.key.Gap {
			e.Gap = Gap{ID: sl.gap, Lower: sl.key.ID, InFlight: sl.inFlight}
		} else {
			e.Message = sl.msg
		}
		out = append(out, e)
		if sl.key.Gap {
			pending = &out[len(out)-1]
		}
		return true
	})
	return out
}

// Get returns the loaded message with the given id.
func (s *Sequence) Get(id snowflake.ID) (models.Message, bool) {
	cell, ok := s.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return s.slots[cell].msg, true
}

func (s *Sequence) Contains(id snowflake.ID) bool {
	_, ok := s.messages[id]
	return ok
}

// Gap returns the gap with the given id and its current bounds.
func (s *Sequence) Gap(id GapID) (Gap, bool) {
	cell, ok := s.gaps[id]
	if !ok {
		return Gap{}, false
	}
	return s.entry(ref{key: s.slots[cell].key, slot: cell}).Gap, true
}

// Gaps returns every gap in order.
func (s *Sequence) Gaps() []Gap {
	out := make([]Gap, 0, len(s.gaps))
	for _, e := range s.Entries() {
		if e.IsGap() {
			out = append(out, e.Gap)
		}
	}
	return out
}

// Messages returns the loaded messages in order.
func (s *Sequence) Messages() []models.Message {
	out := make([]models.Message, 0, len(s.messages))
	s.index.Scan(func(r ref) bool {
		if !r.key.Gap {
			out = append(out, s.slots[r.slot].msg)
		}
		return true
	})
	return out
}

// NeighborsOf returns the entries immediately before and after k. k does
// not need to be present.
func (s *Sequence) NeighborsOf(k Key) (prev, next *Entry) {
	if r, ok := s.predecessor(k); ok {
		e := s.entry(r)
		prev = &e
	}
	if r, ok := s.successor(k); ok {
		e := s.entry(r)
		next = &e
	}
	return prev, next
}

// Insert adds a message or a gap. Gaps take the id in e.Gap.ID when it is
// set and unused, a fresh one otherwise.
func (s *Sequence) Insert(e Entry) (Key, error) {
	if e.IsGap() {
		id, err := s.placeGap(e.Gap.Lower, e.Gap.ID, e.Gap.InFlight)
		if err != nil {
			return Key{}, err
		}
		return s.slots[s.gaps[id]].key, nil
	}
	if err := s.InsertMessage(e.Message); err != nil {
		return Key{}, err
	}
	return MessageKey(e.Message.ID), nil
}

// InsertMessage adds msg in id order. A message landing inside a gap is
// allowed; the gap then ends at msg.
func (s *Sequence) InsertMessage(msg models.Message) error {
	if msg.ID.IsZero() {
		return fmt.Errorf("insert message: %w", models.ErrMissingID)
	}
	if _, ok := s.messages[msg.ID]; ok {
		return fmt.Errorf("insert message %s: %w", msg.ID, ErrDuplicateID)
	}
	key := MessageKey(msg.ID)
	cell := s.alloc(slot{key: key, msg: msg.Clone()})
	s.index.Set(ref{key: key, slot: cell})
	s.messages[msg.ID] = cell
	s.version++
	return nil
}

// InsertGap places a new gap directly after the message lower, or at the
// open top when lower is zero.
func (s *Sequence) InsertGap(lower snowflake.ID) (GapID, error) {
	return s.placeGap(lower, 0, false)
}

func (s *Sequence) placeGap(lower snowflake.ID, id GapID, inFlight bool) (GapID, error) {
	if !lower.IsZero() {
		if _, ok := s.messages[lower]; !ok {
			return 0, fmt.Errorf("insert gap after %s: %w", lower, ErrNotFound)
		}
	}
	key := GapKey(lower)
	if _, found := s.index.Get(ref{key: key}); found {
		return 0, fmt.Errorf("insert gap after %s: %w", lower, ErrAdjacentGap)
	}
	if next, ok := s.successor(key); ok && next.key.Gap {
		return 0, fmt.Errorf("insert gap after %s: %w", lower, ErrAdjacentGap)
	}
	if id == 0 {
		s.nextGap++
		id = s.nextGap
	} else if _, taken := s.gaps[id]; taken {
		s.nextGap++
		id = s.nextGap
	} else if id > s.nextGap {
		s.nextGap = id
	}
	cell := s.alloc(slot{key: key, gap: id, inFlight: inFlight})
	s.index.Set(ref{key: key, slot: cell})
	s.gaps[id] = cell
	s.version++
	return id, nil
}

// Remove deletes a loaded message. When the message separated two gaps they
// are coalesced into the first one; a gap that followed the message is
// re-keyed onto the new predecessor.
func (s *Sequence) Remove(id snowflake.ID) (models.Message, error) {
	cell, ok := s.messages[id]
	if !ok {
		return models.Message{}, fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	key := MessageKey(id)
	if _, found := s.index.Delete(ref{key: key}); !found {
		return models.Message{}, fmt.Errorf("remove %s: %w", id, ErrInvariant)
	}
	msg := s.slots[cell].msg
	delete(s.messages, id)
	s.release(cell)

	prev, hasPrev := s.predecessor(key)
	if next, ok := s.successor(key); ok && next.key.Gap {
		if hasPrev && prev.key.Gap {
			s.dropGap(next)
		} else {
			var lower snowflake.ID
			if hasPrev {
				lower = prev.key.ID
			}
			s.index.Delete(next)
			next.key = GapKey(lower)
			s.slots[next.slot].key = next.key
			s.index.Set(next)
		}
	}
	s.version++
	return msg, nil
}

// RemoveGap deletes a gap.
func (s *Sequence) RemoveGap(id GapID) error {
	cell, ok := s.gaps[id]
	if !ok {
		return fmt.Errorf("remove gap %d: %w", id, ErrNotFound)
	}
	r := ref{key: s.slots[cell].key, slot: cell}
	if _, found := s.index.Get(r); !found {
		return fmt.Errorf("remove gap %d: %w", id, ErrInvariant)
	}
	s.dropGap(r)
	s.version++
	return nil
}

func (s *Sequence) dropGap(r ref) {
	delete(s.gaps, s.slots[r.slot].gap)
	s.index.Delete(r)
	s.release(r.slot)
}

// Replace applies a content patch to a loaded message. EditedAt is only
// changed when editedAt is set.
func (s *Sequence) Replace(id snowflake.ID, patch models.ContentPatch, editedAt *time.Time) error {
	ref, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("replace %s: %w", id, ErrNotFound)
	}
	sl := &s.slots[ref]
	sl.msg.Content = patch.Apply(sl.msg.Content)
	if editedAt != nil {
		at := *editedAt
		sl.msg.EditedAt = &at
	}
	s.version++
	return nil
}

// SetInFlight flags a gap as having an outstanding fetch.
func (s *Sequence) SetInFlight(id GapID, inFlight bool) error {
	cell, ok := s.gaps[id]
	if !ok {
		return fmt.Errorf("gap %d: %w", id, ErrNotFound)
	}
	s.slots[cell].inFlight = inFlight
	return nil
}

// Reset empties the sequence and moves it to a new generation.
func (s *Sequence) Reset(generation uint64) {
	s.slots = s.slots[:0]
	s.free = s.free[:0]
	s.index.Clear()
	clear(s.messages)
	clear(s.gaps)
	s.generation = generation
	s.version++
}

// Check verifies ordering, gap adjacency and gap keys.
func (s *Sequence) Check() error {
	messages, gaps := 0, 0
	items := s.index.Items()
	for i, r := range items {
		sl := s.slots[r.slot]
		if !sl.live {
			return fmt.Errorf("%w: position %d references a free slot", ErrInvariant, i)
		}
		if sl.key.Gap {
			gaps++
			want := snowflake.ID(0)
			if i > 0 {
				want = items[i-1].key.ID
			}
			if sl.key.ID != want {
				return fmt.Errorf("%w: gap %d keyed at %s, predecessor is %s", ErrInvariant, sl.gap, sl.key.ID, want)
			}
		} else {
			messages++
		}
		if r.key != sl.key {
			return fmt.Errorf("%w: position %d indexed as %s, slot holds %s", ErrInvariant, i, r.key, sl.key)
		}
		if i == 0 {
			continue
		}
		prev := s.slots[items[i-1].slot]
		if prev.key.Compare(sl.key) >= 0 {
			return fmt.Errorf("%w: %s does not sort after %s", ErrInvariant, sl.key, prev.key)
		}
		if prev.key.Gap && sl.key.Gap {
			return fmt.Errorf("%w: adjacent gaps at position %d", ErrInvariant, i)
		}
	}
	if messages != len(s.messages) || gaps != len(s.gaps) {
		return fmt.Errorf("%w: index holds %d messages and %d gaps, lookups hold %d and %d",
			ErrInvariant, messages, gaps, len(s.messages), len(s.gaps))
	}
	return nil
}

func (s *Sequence) alloc(sl slot) int32 {
	sl.live = true
	if n := len(s.free); n > 0 {
		cell := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[cell] = sl
		return cell
	}
	s.slots = append(s.slots, sl)
	return int32(len(s.slots) - 1)
}

func (s *Sequence) release(cell int32) {
	s.slots[cell] = slot{}
	s.free = append(s.free, cell)
}
