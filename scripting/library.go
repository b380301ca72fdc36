package scripting

import (
	"context"
	"sync"

	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/xerrors"
)

// Script 已登记的脚本.
type Script struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	// NPV 保存结果的变量名.
	NPV string `json:"npv"`
}

// Library 按脚本编号缓存解析结果, 可以并发使用.
// 返回的语法树在构建过程中会被改写缓存, 同一棵树不能被多个构建器同时使用.
type Library struct {
	mu      sync.RWMutex
	scripts map[string]*Script
	trees   map[string]*Node
}

// NewLibrary 创建脚本库.
func NewLibrary() *Library {
	return &Library{
		scripts: make(map[string]*Script),
		trees:   make(map[string]*Node),
	}
}

// Add 解析并登记脚本, 同名脚本被替换.
func (l *Library) Add(ctx context.Context, s Script) error {
	tree, err := Parse(s.Source)
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrInvalidArg, "failed to parse script ["+s.ID+"]")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.scripts[s.ID] = &s
	l.trees[s.ID] = tree
	logging.Debug(ctx, "script registered", "script", s.ID, "statements", len(tree.Args))
	return nil
}

// Get 返回脚本与其语法树.
func (l *Library) Get(id string) (*Script, *Node, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.scripts[id]
	if !ok {
		return nil, nil, xerrors.Newf(xerrors.ErrUnknownScript, "script [%s] not found", id)
	}
	return s, l.trees[id], nil
}

// Parse 返回 source 的语法树, 已登记过相同编号和源码时复用缓存.
func (l *Library) Parse(ctx context.Context, id, source string) (*Node, error) {
	l.mu.RLock()
	s, ok := l.scripts[id]
	tree := l.trees[id]
	l.mu.RUnlock()
	if ok && s.Source == source {
		return tree, nil
	}
	if err := l.Add(ctx, Script{ID: id, Source: source}); err != nil {
		return nil, err
	}
	_, tree, err := l.Get(id)
	return tree, err
}

// Len 已登记的脚本数.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.scripts)
}
