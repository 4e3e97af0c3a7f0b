// Package registry is the per-platform table of participating nodes.
//
// Nodes live in a single arena keyed by NodeID; each level keeps the
// insertion order of its ids so ordinals and listings are stable. The
// registry is not safe for concurrent use: the control loop owns it.
package registry

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/imdario/mergo"
)

type Level string

const (
	LevelDRP     Level = "drp"
	LevelTEB     Level = "teb"
	LevelMEB     Level = "meb"
	LevelControl Level = "control"
)

// WorkerLevels are the levels that answer transitions.
var WorkerLevels = []Level{LevelDRP, LevelTEB, LevelMEB}

// NodeID is the opaque identity a node reports as sender_id.
type NodeID string

// ControlID is the synthetic id of the orchestrator's own entry.
const ControlID NodeID = "0"

var (
	ErrInvalidNode = errors.New("registry: invalid node")
	ErrUnknownNode = errors.New("registry: unknown node")
)

type ProcInfo struct {
	Alias string `json:"alias"`
	Host  string `json:"host"`
	PID   int    `json:"pid"`
}

type DetInfo struct {
	Readout int `json:"readout"`
}

type Node struct {
	ID     NodeID
	Level  Level
	Proc   ProcInfo
	Active bool
	Hidden bool
	// Readout group; only meaningful for drp nodes.
	DetInfo *DetInfo
	// Per-level ordinal assigned at alloc; -1 until then.
	Ordinal     int
	ConnectInfo map[string]any
	ControlInfo map[string]any
	Extra       map[string]any
}

// NewNode returns an inactive node with no ordinal.
func NewNode(id NodeID, level Level, proc ProcInfo) Node {
	return Node{ID: id, Level: level, Proc: proc, Ordinal: -1}
}

// Key is "<level>/<alias>".
func (n Node) Key() string {
	return string(n.Level) + "/" + n.Proc.Alias
}

// Name falls back to "<level>/<pid>/<host>" for nodes without an alias.
func (n Node) Name() string {
	if n.Proc.Alias != "" {
		return n.Key()
	}
	return fmt.Sprintf("%s/%d/%s", n.Level, n.Proc.PID, n.Proc.Host)
}

type Registry struct {
	nodes      map[NodeID]*Node
	byLevel    map[Level][]NodeID
	levelOrder []Level
}

func New() *Registry {
	return &Registry{
		nodes:   make(map[NodeID]*Node),
		byLevel: make(map[Level][]NodeID),
	}
}

// Put inserts n or replaces the entry with the same id in place.
func (r *Registry) Put(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidNode)
	}
	if n.Level == "" {
		return fmt.Errorf("%w: missing level for id=%s", ErrInvalidNode, n.ID)
	}
	if prev, ok := r.nodes[n.ID]; ok && prev.Level != n.Level {
		r.removeFromLevel(prev.Level, n.ID)
		r.appendToLevel(n.Level, n.ID)
	} else if !ok {
		r.appendToLevel(n.Level, n.ID)
	}
	cp := n
	r.nodes[n.ID] = &cp
	return nil
}

func (r *Registry) appendToLevel(level Level, id NodeID) {
	if _, ok := r.byLevel[level]; !ok {
		r.levelOrder = append(r.levelOrder, level)
	}
	r.byLevel[level] = append(r.byLevel[level], id)
}

func (r *Registry) removeFromLevel(level Level, id NodeID) {
	ids := r.byLevel[level]
	for i, cur := range ids {
		if cur == id {
			r.byLevel[level] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}

func (r *Registry) Get(id NodeID) (Node, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (r *Registry) Update(id NodeID, fn func(*Node)) error {
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	fn(n)
	return nil
}

func (r *Registry) SetActive(id NodeID, active bool) error {
	return r.Update(id, func(n *Node) { n.Active = active })
}

// MergeReply folds a reply body into the node. connect_info replaces the
// node's connect info; other keys are merged into Extra.
func (r *Registry) MergeReply(id NodeID, body map[string]any) error {
	return r.Update(id, func(n *Node) {
		rest := make(map[string]any, len(body))
		for k, v := range body {
			if k == "connect_info" {
				if ci, ok := v.(map[string]any); ok {
					n.ConnectInfo = ci
				}
				continue
			}
			rest[k] = v
		}
		if len(rest) == 0 {
			return
		}
		if n.Extra == nil {
			n.Extra = map[string]any{}
		}
		_ = mergo.Merge(&n.Extra, rest, mergo.WithOverride)
	})
}

func (r *Registry) Len() int { return len(r.nodes) }

func (r *Registry) Clear() {
	r.nodes = make(map[NodeID]*Node)
	r.byLevel = make(map[Level][]NodeID)
	r.levelOrder = nil
}

// Levels in first-registration order.
func (r *Registry) Levels() []Level {
	return append([]Level(nil), r.levelOrder...)
}

func (r *Registry) IDs(level Level) []NodeID {
	return append([]NodeID(nil), r.byLevel[level]...)
}

// ActiveIDs lists active worker ids, level by level.
func (r *Registry) ActiveIDs(levels ...Level) []NodeID {
	if len(levels) == 0 {
		levels = WorkerLevels
	}
	var out []NodeID
	for _, level := range levels {
		for _, id := range r.byLevel[level] {
			if r.nodes[id].Active {
				out = append(out, id)
			}
		}
	}
	return out
}

// Names maps ids to display names, skipping unknown ids.
func (r *Registry) Names(ids []NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := r.nodes[id]; ok {
			out = append(out, n.Name())
		}
	}
	return out
}

// ResolveDuplicates reports every alias claimed by more than one id.
// The first registered id keeps its entry; later ids are forced inactive.
func (r *Registry) ResolveDuplicates() []string {
	seen := make(map[string]NodeID)
	reported := make(map[string]bool)
	var dups []string
	for _, level := range r.levelOrder {
		for _, id := range r.byLevel[level] {
			n := r.nodes[id]
			if n.Level == LevelControl || n.Proc.Alias == "" {
				continue
			}
			if _, ok := seen[n.Proc.Alias]; !ok {
				seen[n.Proc.Alias] = id
				continue
			}
			n.Active = false
			if !reported[n.Proc.Alias] {
				reported[n.Proc.Alias] = true
				dups = append(dups, n.Key())
			}
		}
	}
	return dups
}

// AssignOrdinals numbers the active nodes of level from 0 and returns the count.
func (r *Registry) AssignOrdinals(level Level) int {
	next := 0
	for _, id := range r.byLevel[level] {
		n := r.nodes[id]
		if !n.Active {
			n.Ordinal = -1
			continue
		}
		n.Ordinal = next
		next++
	}
	return next
}

// ReadoutGroupMask is the union of readout groups of active drp nodes.
func (r *Registry) ReadoutGroupMask() uint {
	var mask uint
	for _, id := range r.byLevel[LevelDRP] {
		n := r.nodes[id]
		if n.Active && n.DetInfo != nil && n.DetInfo.Readout >= 0 && n.DetInfo.Readout < 8 {
			mask |= 1 << uint(n.DetInfo.Readout)
		}
	}
	return mask
}

// Platform renders the registry as {level: {id: entry}}.
func (r *Registry) Platform() map[string]any {
	return r.render(false)
}

// ActivePlatform is Platform restricted to active nodes.
func (r *Registry) ActivePlatform() map[string]any {
	return r.render(true)
}

func (r *Registry) render(activeOnly bool) map[string]any {
	out := make(map[string]any, len(r.levelOrder))
	for _, level := range r.levelOrder {
		entries := make(map[string]any)
		for _, id := range r.byLevel[level] {
			n := r.nodes[id]
			if activeOnly && !n.Active {
				continue
			}
			entries[string(id)] = n.entry()
		}
		if len(entries) > 0 || !activeOnly {
			out[string(level)] = entries
		}
	}
	return out
}

func (n *Node) entry() map[string]any {
	e := make(map[string]any, len(n.Extra)+6)
	for k, v := range n.Extra {
		e[k] = v
	}
	e["proc_info"] = map[string]any{"alias": n.Proc.Alias, "host": n.Proc.Host, "pid": n.Proc.PID}
	e["active"] = boolInt(n.Active)
	if n.Hidden {
		e["hidden"] = 1
	}
	if n.DetInfo != nil {
		e["det_info"] = map[string]any{"readout": n.DetInfo.Readout}
	}
	if n.ConnectInfo != nil {
		e["connect_info"] = n.ConnectInfo
	}
	if n.ControlInfo != nil {
		e["control_info"] = n.ControlInfo
	}
	if n.Ordinal >= 0 && n.Level != LevelControl {
		e[string(n.Level)+"_id"] = n.Ordinal
	}
	return e
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ProcInfoFrom reads a decoded {"alias","host","pid"} object.
func ProcInfoFrom(raw any) (ProcInfo, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return ProcInfo{}, false
	}
	var p ProcInfo
	p.Alias, _ = m["alias"].(string)
	p.Host, _ = m["host"].(string)
	switch pid := m["pid"].(type) {
	case float64:
		p.PID = int(pid)
	case int:
		p.PID = pid
	}
	return p, true
}

// ParseID accepts the numeric or string id forms found in message bodies.
func ParseID(raw any) (NodeID, bool) {
	switch v := raw.(type) {
	case string:
		return NodeID(v), v != ""
	case float64:
		return NodeID(strconv.FormatInt(int64(v), 10)), true
	case int:
		return NodeID(strconv.Itoa(v)), true
	}
	return "", false
}
