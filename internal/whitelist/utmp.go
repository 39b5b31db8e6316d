package whitelist

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// glibc struct utmp layout on 64-bit Linux.
const (
	RecordSize  = 384
	UserProcess = 7

	offType    = 0
	offUser    = 44
	offHost    = 76
	offTvSec   = 340
	offAddr    = 348
	userLength = 32
	hostLength = 256
)

// Login is one USER_PROCESS record with a remote address.
type Login struct {
	User    string
	Host    string
	Time    int64
	Address netip.Addr
}

// ReadLogins decodes utmp records from r and returns the user logins with
// an address recorded at or after since. A trailing partial record is
// ignored.
func ReadLogins(r io.Reader, since int64) ([]Login, error) {
	br := bufio.NewReaderSize(r, RecordSize*16)
	buf := make([]byte, RecordSize)

	var logins []Login
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return logins, nil
			}
			return logins, fmt.Errorf("failed to read utmp record: %w", err)
		}

		login, ok := decodeRecord(buf)
		if !ok || login.Time < since {
			continue
		}
		logins = append(logins, login)
	}
}

func decodeRecord(rec []byte) (Login, bool) {
	if int16(binary.LittleEndian.Uint16(rec[offType:])) != UserProcess {
		return Login{}, false
	}

	addr, ok := decodeAddr(rec[offAddr : offAddr+16])
	if !ok {
		return Login{}, false
	}

	return Login{
		User:    cString(rec[offUser : offUser+userLength]),
		Host:    cString(rec[offHost : offHost+hostLength]),
		Time:    int64(int32(binary.LittleEndian.Uint32(rec[offTvSec:]))),
		Address: addr,
	}, true
}

// decodeAddr reads ut_addr_v6. IPv4 addresses occupy the first word with
// the rest zero; an all-zero first word means no address.
func decodeAddr(b []byte) (netip.Addr, bool) {
	if b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0 {
		return netip.Addr{}, false
	}
	rest := true
	for _, c := range b[4:] {
		if c != 0 {
			rest = false
			break
		}
	}
	if rest {
		return netip.AddrFrom4([4]byte(b[:4])), true
	}
	return netip.AddrFrom16([16]byte(b)).Unmap(), true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
