package exchange

import (
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// checksumDepth is the number of best levels per side folded into the
// venue's book checksum, per its WS v2 book-channel spec.
const checksumDepth = 10

// bookChecksum reproduces the venue's checksum algorithm: concatenate the
// top checksumDepth ask price/qty pairs (best-to-worst) followed by the
// top checksumDepth bid price/qty pairs (best-to-worst), each value
// formatted with its decimal point and leading zeros stripped, then CRC32
// the resulting ASCII string.
func bookChecksum(asks, bids []bookLevel) uint32 {
	var b strings.Builder
	for i := 0; i < checksumDepth && i < len(asks); i++ {
		b.WriteString(checksumToken(asks[i].Price))
		b.WriteString(checksumToken(asks[i].Qty))
	}
	for i := 0; i < checksumDepth && i < len(bids); i++ {
		b.WriteString(checksumToken(bids[i].Price))
		b.WriteString(checksumToken(bids[i].Qty))
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// checksumToken renders a decimal the way the venue's checksum spec
// requires: fixed-point string with the decimal point removed and leading
// zeros stripped (but at least one digit retained).
func checksumToken(d decimal.Decimal) string {
	s := d.StringFixed(int32(d.Exponent() * -1))
	if d.Exponent() >= 0 {
		s = d.String()
	}
	s = strings.Replace(s, ".", "", 1)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return s
}

// validateChecksum compares a freshly computed checksum against the
// venue-reported one, returning a decodable mismatch error on disagreement.
func validateChecksum(pair string, asks, bids []bookLevel, reported string) error {
	want, err := strconv.ParseUint(reported, 10, 32)
	if err != nil {
		return nil // venue didn't send a parseable checksum this update; skip
	}
	got := bookChecksum(asks, bids)
	if uint64(got) != want {
		return &ErrBookChecksumMismatch{Pair: pair}
	}
	return nil
}
