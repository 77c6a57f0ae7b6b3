// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package collective implements the scatter, broadcast and gather patterns
// on top of a Session. Every party of the session calls the same function
// with the same root and tag; the tag keeps concurrent patterns on the same
// session apart. Roots transmit asynchronously, so a root returns before its
// peers received anything; the session's shutdown handshake flushes what is
// still in flight.
package collective

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/mpclink/mpclink-go/pkg/session"
)

func checkRoot(ses *session.Session, root int) error {
	if root < 0 || root >= ses.World() {
		return fmt.Errorf("root %d is outside the world of %d parties", root, ses.World())
	}

	return nil
}

// Scatter hands every party one element of the root's inputs: rank i
// receives inputs[i]. Only the root's inputs are consulted, and their length
// must equal the world size.
func Scatter(ses *session.Session, inputs [][]byte, root int, tag string) ([]byte, error) {
	if err := checkRoot(ses, root); err != nil {
		return nil, err
	}

	if ses.Rank() != root {
		return ses.Recv(root, session.P2PKey(tag, root, ses.Rank()))
	}

	if len(inputs) != ses.World() {
		return nil, fmt.Errorf("scattering %d inputs between %d parties", len(inputs), ses.World())
	}

	var errs error
	for peer := 0; peer < ses.World(); peer++ {
		if peer == root {
			continue
		}
		if err := ses.SendAsync(peer, session.P2PKey(tag, root, peer), inputs[peer]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}

	return inputs[root], nil
}

// Broadcast hands every party the root's input. Only the root's input is
// consulted.
func Broadcast(ses *session.Session, input []byte, root int, tag string) ([]byte, error) {
	if err := checkRoot(ses, root); err != nil {
		return nil, err
	}

	if ses.Rank() != root {
		return ses.Recv(root, session.P2PKey(tag, root, ses.Rank()))
	}

	var errs error
	for peer := 0; peer < ses.World(); peer++ {
		if peer == root {
			continue
		}
		if err := ses.SendAsync(peer, session.P2PKey(tag, root, peer), input); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}

	return input, nil
}

// Gather collects every party's input at the root: the root receives a slice
// with rank i's input at index i, everyone else receives nil.
func Gather(ses *session.Session, input []byte, root int, tag string) ([][]byte, error) {
	if err := checkRoot(ses, root); err != nil {
		return nil, err
	}

	if ses.Rank() != root {
		return nil, ses.SendAsync(root, session.P2PKey(tag, ses.Rank(), root), input)
	}

	outputs := make([][]byte, ses.World())
	outputs[root] = input

	var errs error
	for peer := 0; peer < ses.World(); peer++ {
		if peer == root {
			continue
		}

		value, err := ses.Recv(peer, session.P2PKey(tag, peer, root))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		outputs[peer] = value
	}
	if errs != nil {
		return nil, errs
	}

	return outputs, nil
}
