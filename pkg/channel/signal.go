// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

// signaller broadcasts state changes to goroutines waiting on a condition
// guarded by an outer mutex. A waiter fetches the current channel with watch
// while holding the mutex, releases the mutex and selects on the channel
// next to its deadline timer. broadcast closes the current channel and
// installs a fresh one, waking every watcher at once. sync.Cond offers no
// way to abandon a wait on a deadline, which every blocking operation of a
// ReliableChannel must support.
type signaller struct {
	ch chan struct{}
}

func newSignaller() *signaller {
	return &signaller{ch: make(chan struct{})}
}

// watch returns a channel closed on the next broadcast. The mutex guarding
// the signalled state must be held.
func (sig *signaller) watch() <-chan struct{} {
	return sig.ch
}

// broadcast wakes all current watchers. The mutex guarding the signalled
// state must be held.
func (sig *signaller) broadcast() {
	close(sig.ch)
	sig.ch = make(chan struct{})
}
