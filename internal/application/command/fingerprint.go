package command

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// fingerprintPrefix marks event IDs derived from the payload rather than
// supplied by the caller.
const fingerprintPrefix = "fp:"

// Fingerprint derives a stable event ID from the content of a point event,
// for producers that do not send their own IDs. Two submissions with the same
// participant, instant, amount, source and metrics collapse to one event.
func Fingerprint(participantID shared.ParticipantID, occurredAt time.Time, points float64, source string, metrics map[string]float64) shared.EventID {
	var b strings.Builder
	b.WriteString(participantID.String())
	b.WriteByte('|')
	b.WriteString(occurredAt.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(points, 'g', -1, 64))
	b.WriteByte('|')
	b.WriteString(source)

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(metrics[name], 'g', -1, 64))
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return shared.EventID(fingerprintPrefix + hex.EncodeToString(sum[:16]))
}
