// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/mpclink/mpclink-go/pkg/transport"
)

// Announcement of one party's inbound transport endpoint: which link task it
// belongs to, which rank it holds and where its listener can be dialed.
type Announcement struct {
	SessionID string
	Rank      uint64
	Protocol  transport.Protocol
	Port      uint
}

// announcementFields is the number of elements in the CBOR array form.
const announcementFields = 4

// UnmarshalAnnouncements parses the Announcements of one multicast payload.
func UnmarshalAnnouncements(data []byte) ([]Announcement, error) {
	buff := bytes.NewBuffer(data)

	l, err := cboring.ReadArrayLength(buff)
	if err != nil {
		return nil, err
	}

	announcements := make([]Announcement, l)
	for i := range announcements {
		if err := cboring.Unmarshal(&announcements[i], buff); err != nil {
			return nil, fmt.Errorf("unmarshalling announcement %d: %v", i, err)
		}
	}

	return announcements, nil
}

// MarshalAnnouncements serializes announcements into one multicast payload.
func MarshalAnnouncements(announcements []Announcement) ([]byte, error) {
	buff := new(bytes.Buffer)

	if err := cboring.WriteArrayLength(uint64(len(announcements)), buff); err != nil {
		return nil, err
	}

	for i := range announcements {
		if err := cboring.Marshal(&announcements[i], buff); err != nil {
			return nil, fmt.Errorf("marshalling announcement %d: %v", i, err)
		}
	}

	return buff.Bytes(), nil
}

// MarshalCbor writes the Announcement as a CBOR array.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(announcementFields, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.SessionID, w); err != nil {
		return fmt.Errorf("writing session id: %v", err)
	}

	numbers := []uint64{announcement.Rank, uint64(announcement.Protocol), uint64(announcement.Port)}
	for _, n := range numbers {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads an Announcement back from its CBOR array form.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != announcementFields {
		return fmt.Errorf("announcement has %d fields instead of %d", l, announcementFields)
	}

	sessionID, err := cboring.ReadTextString(r)
	if err != nil {
		return fmt.Errorf("reading session id: %v", err)
	}
	announcement.SessionID = sessionID

	rank, err := cboring.ReadUInt(r)
	if err != nil {
		return fmt.Errorf("reading rank: %v", err)
	}
	announcement.Rank = rank

	protocol, err := cboring.ReadUInt(r)
	if err != nil {
		return fmt.Errorf("reading protocol: %v", err)
	}
	announcement.Protocol = transport.Protocol(protocol)
	if err := announcement.Protocol.CheckValid(); err != nil {
		return err
	}

	port, err := cboring.ReadUInt(r)
	if err != nil {
		return fmt.Errorf("reading port: %v", err)
	}
	announcement.Port = uint(port)

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%d,%v,%d)",
		announcement.SessionID, announcement.Rank, announcement.Protocol, announcement.Port)
}
