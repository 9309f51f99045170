package domain

import (
	"fmt"
	"slices"
)

// StateMachine — неизменяемая таблица допустимых переходов.
// Значение строится один раз и безопасно для конкурентного чтения.
type StateMachine struct {
	edges map[Status][]Status
}

var defaultTransitions = map[Status][]Status{
	StatusAwaitingOffers:  {StatusAwaitingPayment, StatusCancelled},
	StatusAwaitingPayment: {StatusPreparation, StatusCancelled},
	StatusPreparation:     {StatusShipped, StatusCancelled},
	StatusShipped:         {StatusDelivered, StatusReturned, StatusDisputed},
	StatusDelivered:       {StatusCompleted, StatusReturned, StatusDisputed},
	StatusCompleted:       {},
	StatusCancelled:       {},
	StatusReturned:        {StatusCompleted},
	StatusDisputed:        {StatusCompleted, StatusReturned, StatusRefunded},
	StatusRefunded:        {},
	StatusReturnRequested: {StatusReturnApproved, StatusDisputed},
	StatusReturnApproved:  {StatusReturned},
	StatusResolved:        {StatusCompleted},
}

var defaultMachine = mustStateMachine(defaultTransitions)

// DefaultStateMachine возвращает каноническую таблицу переходов маркетплейса.
func DefaultStateMachine() StateMachine {
	return defaultMachine
}

// NewStateMachine строит автомат из таблицы. Каждый статус перечисления обязан
// присутствовать как источник, неизвестные статусы запрещены.
func NewStateMachine(table map[Status][]Status) (StateMachine, error) {
	edges := make(map[Status][]Status, len(table))
	for from, targets := range table {
		if !from.Valid() {
			return StateMachine{}, fmt.Errorf("state machine: unknown source status %q", from)
		}
		copied := make([]Status, 0, len(targets))
		for _, to := range targets {
			if !to.Valid() {
				return StateMachine{}, fmt.Errorf("state machine: unknown target status %q from %s", to, from)
			}
			if to == from {
				return StateMachine{}, fmt.Errorf("state machine: self loop on %s", from)
			}
			if slices.Contains(copied, to) {
				return StateMachine{}, fmt.Errorf("state machine: duplicate edge %s -> %s", from, to)
			}
			copied = append(copied, to)
		}
		edges[from] = copied
	}
	for _, s := range allStatuses {
		if _, ok := edges[s]; !ok {
			return StateMachine{}, fmt.Errorf("state machine: status %s has no row", s)
		}
	}
	return StateMachine{edges: edges}, nil
}

func mustStateMachine(table map[Status][]Status) StateMachine {
	m, err := NewStateMachine(table)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate проверяет допустимость перехода current -> desired.
func (m StateMachine) Validate(current, desired Status) error {
	allowed := m.edges[current]
	if slices.Contains(allowed, desired) {
		return nil
	}
	return &IllegalTransitionError{
		From:    current,
		To:      desired,
		Allowed: append([]Status(nil), allowed...),
	}
}

// AllowedTransitions возвращает копию списка допустимых целей из статуса current.
func (m StateMachine) AllowedTransitions(current Status) []Status {
	return append([]Status(nil), m.edges[current]...)
}

// IsTerminal сообщает, что из статуса нет исходящих переходов.
func (m StateMachine) IsTerminal(s Status) bool {
	return len(m.edges[s]) == 0
}
