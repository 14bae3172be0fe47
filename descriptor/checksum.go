package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// inputCharset orders the characters allowed in a descriptor so that
	// the most common ones fall into the first group of 32.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 character set used to render the
	// checksum.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	// checksumLen is the number of characters after the '#'.
	checksumLen = 8
)

// generator holds the BCH code generator constants.
var generator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

// ErrBadChecksum is returned when a descriptor checksum does not match its
// body.
var ErrBadChecksum = errors.New("descriptor checksum mismatch")

// polymod feeds one symbol into the checksum state.
func polymod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	for i := 0; i < 5; i++ {
		if (c0>>i)&1 == 1 {
			c ^= generator[i]
		}
	}

	return c
}

// Checksum computes the eight character checksum of a descriptor body.
func Checksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      uint64
		clsCount int
	)
	for i, ch := range desc {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("invalid character %q at "+
				"position %d", ch, i)
		}

		c = polymod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < checksumLen; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	var sb strings.Builder
	for i := 0; i < checksumLen; i++ {
		sb.WriteByte(checksumCharset[(c>>(5*(7-i)))&31])
	}

	return sb.String(), nil
}

// AddChecksum appends '#' and the checksum to a descriptor body. Any checksum
// already present is verified and kept.
func AddChecksum(desc string) (string, error) {
	body, sum, found := strings.Cut(desc, "#")
	if found {
		if err := verifyChecksum(body, sum); err != nil {
			return "", err
		}

		return desc, nil
	}

	sum, err := Checksum(body)
	if err != nil {
		return "", err
	}

	return body + "#" + sum, nil
}

// verifyChecksum checks sum against the checksum of body.
func verifyChecksum(body, sum string) error {
	if len(sum) != checksumLen {
		return fmt.Errorf("%w: expected %d characters, got %d",
			ErrBadChecksum, checksumLen, len(sum))
	}

	expected, err := Checksum(body)
	if err != nil {
		return err
	}
	if expected != sum {
		return fmt.Errorf("%w: got %s, expected %s", ErrBadChecksum,
			sum, expected)
	}

	return nil
}
