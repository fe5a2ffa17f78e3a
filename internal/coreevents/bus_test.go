package coreevents_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lavente/identity-core/internal/coreevents"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := coreevents.NewBus("acme", nil)
	var order []string

	bus.Subscribe(coreevents.LoginSuccess, func(ev coreevents.Event) { order = append(order, "first") })
	bus.Subscribe(coreevents.LoginSuccess, func(ev coreevents.Event) { order = append(order, "second") })

	bus.Publish(context.Background(), coreevents.Event{Type: coreevents.LoginSuccess})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBus_OnlyDeliversToMatchingType(t *testing.T) {
	bus := coreevents.NewBus("acme", nil)
	var calls int

	bus.Subscribe(coreevents.LoginSuccess, func(ev coreevents.Event) { calls++ })
	bus.Publish(context.Background(), coreevents.Event{Type: coreevents.LoginFailed})

	assert.Equal(t, 0, calls)
}

func TestBus_SurvivesHandlerPanic(t *testing.T) {
	bus := coreevents.NewBus("acme", nil)
	var ran bool

	bus.Subscribe(coreevents.UserCreated, func(ev coreevents.Event) { panic("boom") })
	bus.Subscribe(coreevents.UserCreated, func(ev coreevents.Event) { ran = true })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), coreevents.Event{Type: coreevents.UserCreated})
	})
	assert.True(t, ran, "handler after a panicking one must still run")
}
