// Package fsm описывает граф допустимых переходов конечного автомата.
// Граф проверяется на ацикличность, поэтому любая последовательность
// переходов по нему движется только вперед.
package fsm

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ErrInvalidTransition переход не описан в графе
var ErrInvalidTransition = errors.New("invalid transition")

// Graph граф переходов между состояниями типа S
type Graph[S comparable] struct {
	name     string
	ids      map[S]int64
	states   []S
	edges    map[S]map[S]struct{}
	terminal map[S]struct{}
	rank     map[S]int
}

// NewGraph создает пустой граф
func NewGraph[S comparable](name string) *Graph[S] {
	return &Graph[S]{
		name:     name,
		ids:      make(map[S]int64),
		edges:    make(map[S]map[S]struct{}),
		terminal: make(map[S]struct{}),
	}
}

func (g *Graph[S]) add(s S) {
	if _, ok := g.ids[s]; ok {
		return
	}
	g.ids[s] = int64(len(g.states))
	g.states = append(g.states, s)
}

// Allow разрешает переходы from -> каждое из to
func (g *Graph[S]) Allow(from S, to ...S) *Graph[S] {
	g.add(from)
	if g.edges[from] == nil {
		g.edges[from] = make(map[S]struct{})
	}
	for _, t := range to {
		g.add(t)
		g.edges[from][t] = struct{}{}
	}
	return g
}

// Terminal помечает состояния как конечные
func (g *Graph[S]) Terminal(states ...S) *Graph[S] {
	for _, s := range states {
		g.add(s)
		g.terminal[s] = struct{}{}
	}
	return g
}

// Validate проверяет, что граф ацикличен и из конечных состояний нет переходов.
// После успешной проверки доступен Rank.
func (g *Graph[S]) Validate() error {
	dg := simple.NewDirectedGraph()
	for _, s := range g.states {
		dg.AddNode(simple.Node(g.ids[s]))
	}
	for from, tos := range g.edges {
		for to := range tos {
			if from == to {
				return fmt.Errorf("%s: self transition on %v", g.name, from)
			}
			dg.SetEdge(dg.NewEdge(simple.Node(g.ids[from]), simple.Node(g.ids[to])))
		}
	}

	for s := range g.terminal {
		if len(g.edges[s]) > 0 {
			return fmt.Errorf("%s: terminal state %v has outgoing transitions", g.name, s)
		}
	}

	order, err := topo.SortStabilized(dg, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	if err != nil {
		return fmt.Errorf("%s: transition graph has a cycle: %w", g.name, err)
	}

	g.rank = make(map[S]int, len(order))
	for i, n := range order {
		g.rank[g.states[n.ID()]] = i
	}
	return nil
}

// MustValidate паникует, если граф некорректен
func (g *Graph[S]) MustValidate() *Graph[S] {
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
}

// CanTransition проверяет, разрешен ли переход
func (g *Graph[S]) CanTransition(from, to S) bool {
	_, ok := g.edges[from][to]
	return ok
}

// Transition возвращает ошибку, если переход не разрешен
func (g *Graph[S]) Transition(from, to S) error {
	if !g.CanTransition(from, to) {
		return fmt.Errorf("%w: %s %v -> %v", ErrInvalidTransition, g.name, from, to)
	}
	return nil
}

// IsTerminal проверяет, является ли состояние конечным
func (g *Graph[S]) IsTerminal(s S) bool {
	_, ok := g.terminal[s]
	return ok
}

// Rank позиция состояния в топологическом порядке; -1 если граф не проверен
func (g *Graph[S]) Rank(s S) int {
	if r, ok := g.rank[s]; ok {
		return r
	}
	return -1
}

// States возвращает состояния в порядке объявления
func (g *Graph[S]) States() []S {
	return append([]S(nil), g.states...)
}

// Successors возвращает разрешенные переходы из состояния
func (g *Graph[S]) Successors(s S) []S {
	var out []S
	for _, candidate := range g.states {
		if g.CanTransition(s, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}
