// Package compgraph 实现只追加的计算图 (arena + 整数句柄).
//
// 节点编号单调递增, 节点只能引用编号更小的节点, 因此编号顺序天然是拓扑序, 图中不会出现环.
// 节点一经创建不再修改, 多个交易组件可以安全地共享同一张图中的子表达式.
// 图本身不做同步, 并发求值时每个 goroutine 必须持有独立的图实例.
package compgraph

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wyfcoding/quantcore/xerrors"
)

// Nan 表示"没有节点"的哨兵编号.
const Nan = math.MaxInt

// VarMode 决定查找不存在的变量时的行为.
type VarMode int

const (
	// VarCreate 变量不存在时创建新的输入节点.
	VarCreate VarMode = iota
	// VarNan 变量不存在时返回 Nan.
	VarNan
	// VarFail 变量不存在时返回错误.
	VarFail
)

type node struct {
	preds               []int
	op                  OpCode
	maxNodeRequiringArg int
	redBlock            int
}

// RedBlock 记录在 StartRedBlock / EndRedBlock 之间创建的节点区间 [Start, End).
type RedBlock struct {
	ID    int
	Start int
	End   int
}

// Graph 计算图.
type Graph struct {
	nodes        []node
	constants    map[float64]int
	constantOf   map[int]float64
	nanConstant  int
	variables    map[string]int
	labels       map[int][]string
	redBlocks    []RedBlock
	currentBlock int
}

// New 创建空图.
func New() *Graph {
	return &Graph{
		constants:   make(map[float64]int),
		constantOf:  make(map[int]float64),
		nanConstant: Nan,
		variables:   make(map[string]int),
		labels:      make(map[int][]string),
	}
}

// Size 返回节点数.
func (g *Graph) Size() int { return len(g.nodes) }

// insert 追加节点, 返回新编号.
func (g *Graph) insert(op OpCode, preds ...int) int {
	id := len(g.nodes)
	for _, p := range preds {
		g.mustExist(p)
	}
	args := make([]int, len(preds))
	copy(args, preds)
	g.nodes = append(g.nodes, node{preds: args, op: op, maxNodeRequiringArg: id, redBlock: g.currentBlock})
	for _, p := range args {
		if g.nodes[p].maxNodeRequiringArg < id {
			g.nodes[p].maxNodeRequiringArg = id
		}
	}
	return id
}

// mustExist 校验节点编号有效, 无效时以 *xerrors.Error 触发 panic.
func (g *Graph) mustExist(id int) {
	if id == Nan {
		panic(xerrors.Newf(xerrors.ErrNanNode, "graph of size %d", len(g.nodes)))
	}
	if id < 0 || id >= len(g.nodes) {
		panic(xerrors.Newf(xerrors.ErrNodeOutOfRange, "node %d, graph size %d", id, len(g.nodes)))
	}
}

// Check 校验节点编号有效.
func (g *Graph) Check(id int) error {
	if id == Nan {
		return xerrors.Newf(xerrors.ErrNanNode, "graph of size %d", len(g.nodes))
	}
	if id < 0 || id >= len(g.nodes) {
		return xerrors.Newf(xerrors.ErrNodeOutOfRange, "node %d, graph size %d", id, len(g.nodes))
	}
	return nil
}

// Insert 追加一个没有前驱的输入节点 (例如随机数), label 可为空.
func (g *Graph) Insert(label string) int {
	id := g.insert(OpNone)
	if label != "" {
		g.SetLabel(id, label)
	}
	return id
}

// Constant 返回值为 v 的常数节点, 相同的值复用同一节点.
func (g *Graph) Constant(v float64) int {
	if math.IsNaN(v) {
		if g.nanConstant == Nan {
			g.nanConstant = g.insert(OpNone)
			g.constantOf[g.nanConstant] = v
		}
		return g.nanConstant
	}
	if id, ok := g.constants[v]; ok {
		return id
	}
	id := g.insert(OpNone)
	g.constants[v] = id
	g.constantOf[id] = v
	return id
}

// IsConstant 报告节点是否为常数节点.
func (g *Graph) IsConstant(id int) bool {
	_, ok := g.constantOf[id]
	return ok
}

// ConstantValue 返回常数节点的值, 非常数节点返回 NaN 与 false.
func (g *Graph) ConstantValue(id int) (float64, bool) {
	v, ok := g.constantOf[id]
	if !ok {
		return math.NaN(), false
	}
	return v, true
}

// ConstantNode 常数节点及其取值.
type ConstantNode struct {
	ID    int
	Value float64
}

// Constants 按编号升序返回所有常数节点.
func (g *Graph) Constants() []ConstantNode {
	out := make([]ConstantNode, 0, len(g.constantOf))
	for id, v := range g.constantOf {
		out = append(out, ConstantNode{ID: id, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Variable 按名称查找变量节点.
func (g *Graph) Variable(name string, mode VarMode) (int, error) {
	if id, ok := g.variables[name]; ok {
		return id, nil
	}
	switch mode {
	case VarCreate:
		id := g.insert(OpNone)
		g.variables[name] = id
		g.SetLabel(id, name)
		return id, nil
	case VarNan:
		return Nan, nil
	default:
		return Nan, xerrors.Newf(xerrors.ErrUnknownVariable, "graph variable %q", name)
	}
}

// SetVariable 将名称绑定到已有节点.
func (g *Graph) SetVariable(name string, id int) error {
	if err := g.Check(id); err != nil {
		return err
	}
	g.variables[name] = id
	return nil
}

// Variables 返回变量表副本.
func (g *Graph) Variables() map[string]int {
	out := make(map[string]int, len(g.variables))
	for k, v := range g.variables {
		out[k] = v
	}
	return out
}

// Predecessors 返回节点的前驱编号.
func (g *Graph) Predecessors(id int) []int {
	g.mustExist(id)
	return g.nodes[id].preds
}

// Op 返回节点的运算码.
func (g *Graph) Op(id int) OpCode {
	g.mustExist(id)
	return g.nodes[id].op
}

// MaxNodeRequiringArg 返回引用该节点的最大节点编号, 没有被引用时为自身编号.
func (g *Graph) MaxNodeRequiringArg(id int) int {
	g.mustExist(id)
	return g.nodes[id].maxNodeRequiringArg
}

// SetLabel 为节点追加诊断标签.
func (g *Graph) SetLabel(id int, label string) {
	g.mustExist(id)
	g.labels[id] = append(g.labels[id], label)
}

// Label 返回节点的标签, 多个标签以逗号连接.
func (g *Graph) Label(id int) string {
	return strings.Join(g.labels[id], ",")
}

// StartRedBlock 开始一个红块, 之后创建的节点都归属于该红块.
func (g *Graph) StartRedBlock() (int, error) {
	if g.currentBlock != 0 {
		return 0, xerrors.Newf(xerrors.ErrInvalidInput, "red block %d is still open", g.currentBlock)
	}
	id := len(g.redBlocks) + 1
	g.redBlocks = append(g.redBlocks, RedBlock{ID: id, Start: len(g.nodes), End: len(g.nodes)})
	g.currentBlock = id
	return id, nil
}

// EndRedBlock 结束当前红块.
func (g *Graph) EndRedBlock() error {
	if g.currentBlock == 0 {
		return xerrors.Newf(xerrors.ErrInvalidInput, "no red block is open")
	}
	g.redBlocks[g.currentBlock-1].End = len(g.nodes)
	g.currentBlock = 0
	return nil
}

// RedBlockID 返回节点所属红块, 0 表示不属于任何红块.
func (g *Graph) RedBlockID(id int) int {
	g.mustExist(id)
	return g.nodes[id].redBlock
}

// RedBlocks 返回所有红块.
func (g *Graph) RedBlocks() []RedBlock {
	out := make([]RedBlock, len(g.redBlocks))
	copy(out, g.redBlocks)
	return out
}

// RedBlockDependencies 返回红块内节点引用的、在红块之前创建的节点, 升序排列.
func (g *Graph) RedBlockDependencies(block int) ([]int, error) {
	if block < 1 || block > len(g.redBlocks) {
		return nil, xerrors.Newf(xerrors.ErrInvalidInput, "red block %d does not exist", block)
	}
	rb := g.redBlocks[block-1]
	seen := make(map[int]struct{})
	for id := rb.Start; id < rb.End; id++ {
		for _, p := range g.nodes[id].preds {
			if p < rb.Start {
				seen[p] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

// Dot 以 graphviz 格式输出图, 用于调试.
func (g *Graph) Dot() string {
	var b strings.Builder
	b.WriteString("digraph computationgraph {\n")
	for id, n := range g.nodes {
		label := n.op.String()
		if v, ok := g.constantOf[id]; ok {
			label = fmt.Sprintf("const %g", v)
		}
		if l := g.Label(id); l != "" {
			label += "\\n" + l
		}
		fmt.Fprintf(&b, "  n%d [label=\"%d: %s\"];\n", id, id, label)
		for _, p := range n.preds {
			fmt.Fprintf(&b, "  n%d -> n%d;\n", p, id)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Guard 执行 fn, 并把图构建或求值过程中触发的 *xerrors.Error panic 转换为返回的错误.
// 其他类型的 panic 会继续向上传播.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*xerrors.Error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	return fn()
}
