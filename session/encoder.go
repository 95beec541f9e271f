package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const formatVersionCurrent = 2

var errInvalidBlob = errors.New("invalid session blob")

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("session field too long")
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", err
	}
	raw := make([]byte, binary.BigEndian.Uint16(n[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// Encode serializes a Session to the versioned binary wire format used by
// the store. Field order is fixed; all integers are big-endian.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(formatVersionCurrent)

	for _, field := range []string{s.PrincipalID, s.Fingerprint, s.IP, s.UserAgent} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	if s.Location != nil {
		buf.WriteByte(1)
		for _, field := range []string{s.Location.Country, s.Location.Region, s.Location.City, s.Location.Timezone} {
			if err := writeString(&buf, field); err != nil {
				return nil, err
			}
		}
	} else {
		buf.WriteByte(0)
	}

	buf.WriteByte(s.Flags.bits())

	for _, ts := range []int64{s.CreatedAt, s.LastActivity, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode reconstructs a Session from its binary form. The SessionID is not
// part of the blob; the store injects it from the key.
func Decode(data []byte) (*Session, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, errInvalidBlob
	}
	if version != formatVersionCurrent {
		return nil, errInvalidBlob
	}

	s := &Session{Active: true}

	if s.PrincipalID, err = readString(r); err != nil {
		return nil, errInvalidBlob
	}
	if s.Fingerprint, err = readString(r); err != nil {
		return nil, errInvalidBlob
	}
	if s.IP, err = readString(r); err != nil {
		return nil, errInvalidBlob
	}
	if s.UserAgent, err = readString(r); err != nil {
		return nil, errInvalidBlob
	}

	hasLoc, err := r.ReadByte()
	if err != nil {
		return nil, errInvalidBlob
	}
	if hasLoc == 1 {
		loc := &Location{}
		if loc.Country, err = readString(r); err != nil {
			return nil, errInvalidBlob
		}
		if loc.Region, err = readString(r); err != nil {
			return nil, errInvalidBlob
		}
		if loc.City, err = readString(r); err != nil {
			return nil, errInvalidBlob
		}
		if loc.Timezone, err = readString(r); err != nil {
			return nil, errInvalidBlob
		}
		s.Location = loc
	}

	bits, err := r.ReadByte()
	if err != nil {
		return nil, errInvalidBlob
	}
	s.Flags = flagsFromBits(bits)

	for _, dst := range []*int64{&s.CreatedAt, &s.LastActivity, &s.ExpiresAt} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return nil, errInvalidBlob
		}
	}

	return s, nil
}
