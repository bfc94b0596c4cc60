//go:build tinygo

package main

import (
	"context"
	"machine"
	"time"
)

const (
	pinLED   = machine.GP2
	pinAbort = machine.GP3 // to ground, internal pull-up
)

type led struct {
	pin machine.Pin
}

func newLED(pin machine.Pin) *led {
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.Low()
	return &led{pin: pin}
}

func (l *led) Set(on bool) {
	if on {
		l.pin.High()
	} else {
		l.pin.Low()
	}
}

// watchAbort cancels the update mode when the button is held low for a
// few consecutive samples.
func watchAbort(pin machine.Pin, cancel context.CancelFunc) {
	pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	held := 0
	for {
		time.Sleep(50 * time.Millisecond)
		if pin.Get() {
			held = 0
			continue
		}
		held++
		if held >= 4 {
			cancel()
			return
		}
	}
}

// keepAlive feeds an 8s watchdog from its own goroutine. Under the tasks
// scheduler it only runs when every other goroutine yields, so a task stuck
// in a busy loop resets the board.
func keepAlive() {
	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	for {
		machine.Watchdog.Update()
		time.Sleep(2 * time.Second)
	}
}
