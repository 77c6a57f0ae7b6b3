// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"
	"github.com/fsnotify/fsnotify"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/hash"
	"github.com/mpclink/mpclink-go/pkg/session"
)

// fileEnvelope is the wire form of an exchanged file: its base name, the
// BLAKE3 digest of the content and the content itself.
type fileEnvelope struct {
	Name    string
	Digest  []byte
	Content []byte
}

// MarshalCbor writes the envelope as a CBOR array of three elements.
func (fe *fileEnvelope) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(fe.Name, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(fe.Digest, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(fe.Content, w); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor reads an envelope back from its CBOR array form.
func (fe *fileEnvelope) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("fileEnvelope: expected array of 3 elements, got %d", l)
	}

	if name, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		fe.Name = name
	}

	if digest, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		fe.Digest = digest
	}

	if content, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		fe.Content = content
	}

	return nil
}

// contentDigest computes the full-size BLAKE3 digest of a file's content.
func contentDigest(content []byte) []byte {
	hasher, err := hash.NewHasher(hash.MaxDigestSize)
	if err != nil {
		log.WithError(err).Fatal("Creating hasher errored")
	}

	hasher.Update(content)
	return hasher.CumulativeHash()
}

// fileKey names the seq-th file sent from one rank to another.
func fileKey(seq, from, to int) string {
	return session.P2PKey(fmt.Sprintf("file-%d", seq), from, to)
}

// exchange files between this party and a peer over the filesystem. Every
// file that appears in the directory travels to the peer under a sequential
// key; files arriving from the peer are digest-checked and written into the
// same directory.
type exchange struct {
	session   *session.Session
	peer      int
	directory string

	knownFiles sync.Map
	watcher    *fsnotify.Watcher
	sendSeq    int

	closeChan    chan os.Signal
	fileReadChan chan fileEnvelope
}

// startExchange wires the watcher and the receive loop, then handles events
// until an interrupt arrives.
func startExchange(args []string) {
	if len(args) != 3 {
		printUsage()
	}

	ses, closer, err := parseSession(args[0])
	if err != nil {
		printFatal(err, "Parsing configuration errored")
	}
	defer closer()

	peer, err := strconv.Atoi(args[1])
	if err != nil {
		printFatal(err, "Parsing peer rank errored")
	}

	ex := &exchange{
		session:      ses,
		peer:         peer,
		directory:    args[2],
		closeChan:    make(chan os.Signal),
		fileReadChan: make(chan fileEnvelope),
	}

	signal.Notify(ex.closeChan, os.Interrupt)

	if ex.watcher, err = fsnotify.NewWatcher(); err != nil {
		printFatal(err, "Starting file watcher errored")
	}
	if err = ex.watcher.Add(ex.directory); err != nil {
		printFatal(err, "Adding directory to file watcher errored")
	}

	go ex.handleFileRead()
	ex.handler()
}

// cleanFilepath creates a relative path from the watched directory to a new
// file's path.
func (ex *exchange) cleanFilepath(f string) string {
	if rel, err := filepath.Rel(ex.directory, f); err != nil {
		log.WithField("path", f).WithError(err).Fatal("Failed to clean file path")
		return ""
	} else {
		return rel
	}
}

func (ex *exchange) handler() {
	defer func() {
		_ = ex.watcher.Close()
	}()

	for {
		select {
		case <-ex.closeChan:
			log.Info("Received interrupt signal, waiting for the peer to finish as well..")

			if ch, err := ex.session.Channel(ex.peer); err != nil {
				log.WithError(err).Warn("Looking up the peer channel errored")
			} else if err := ch.WaitLinkTaskFinish(); err != nil {
				log.WithError(err).Warn("Graceful link shutdown errored")
			} else {
				log.Info("Link task finished")
			}
			return

		case e, ok := <-ex.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if _, ok := ex.knownFiles.Load(ex.cleanFilepath(e.Name)); ok {
				log.WithField("file", e.Name).Debug("Skipping file; already known")
				continue
			}

			if e.Op&fsnotify.Create == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			ex.sendNewFile(e)

		case err, ok := <-ex.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Error("fsnotify errored")
			return

		case env, ok := <-ex.fileReadChan:
			if !ok {
				log.Error("File reader channel was closed")
				return
			}

			ex.saveReceivedFile(env)
		}
	}
}

// sendNewFile reads a fresh file and sends it to the peer, retrying a few
// times since the file may still be written when the event arrives.
func (ex *exchange) sendNewFile(e fsnotify.Event) {
	key := fileKey(ex.sendSeq, ex.session.Rank(), ex.peer)

	for i := 0; i < 5; i++ {
		if content, err := os.ReadFile(e.Name); err != nil {
			log.WithError(err).WithField("file", e.Name).Warn("Reading file errored, retrying..")
		} else {
			env := fileEnvelope{
				Name:    filepath.Base(e.Name),
				Digest:  contentDigest(content),
				Content: content,
			}

			var buff bytes.Buffer
			if err := cboring.Marshal(&env, &buff); err != nil {
				log.WithError(err).WithField("file", e.Name).Error("Marshalling file envelope errored")
				return
			}

			if err := ex.session.SendAsync(ex.peer, key, buff.Bytes()); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"file": e.Name,
					"key":  key,
				}).Error("Sending file errored")
				return
			}

			ex.sendSeq++

			log.WithFields(log.Fields{
				"file": e.Name,
				"key":  key,
			}).Info("Sent file")
			return
		}

		time.Sleep(time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond)
	}

	log.WithField("file", e.Name).Error("Failed to process file, giving up.")
}

// saveReceivedFile verifies an envelope's digest and writes the content into
// the watched directory.
func (ex *exchange) saveReceivedFile(env fileEnvelope) {
	// Only the base name is used; the peer does not get to pick a directory.
	name := filepath.Base(env.Name)
	filePath := path.Join(ex.directory, name)

	logger := log.WithFields(log.Fields{
		"file":   filePath,
		"digest": hex.EncodeToString(env.Digest),
	})

	if !bytes.Equal(contentDigest(env.Content), env.Digest) {
		logger.Error("Digest verification failed, dropping file")
		return
	}

	// Record the file before writing it, so the watcher skips the create
	// event of our own write.
	ex.knownFiles.Store(name, struct{}{})

	if err := os.WriteFile(filePath, env.Content, 0644); err != nil {
		logger.WithError(err).Error("Writing file errored")
		return
	}

	logger.Info("Saved received file")
}

// handleFileRead receives file envelopes from the peer and forwards them to
// the handler. A receive timeout only means the peer had nothing to say, so
// the wait restarts on the same key.
func (ex *exchange) handleFileRead() {
	rank := ex.session.Rank()

	for seq := 0; ; seq++ {
		var raw []byte

		for {
			var err error
			if raw, err = ex.session.Recv(ex.peer, fileKey(seq, ex.peer, rank)); err == nil {
				break
			}

			var timeoutErr *channel.TimeoutError
			if errors.As(err, &timeoutErr) {
				continue
			}

			log.WithError(err).Error("Receiving file errored")
			close(ex.fileReadChan)
			return
		}

		var env fileEnvelope
		if err := cboring.Unmarshal(&env, bytes.NewReader(raw)); err != nil {
			log.WithError(err).WithField("seq", seq).Error("Unmarshalling file envelope errored")
			continue
		}

		ex.fileReadChan <- env
	}
}
