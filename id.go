package fluxaid

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
)

type IDFormat int

const (
	IDFormatDecimal IDFormat = iota
	IDFormatBase2
	IDFormatBase32
	IDFormatBase36
	IDFormatBase58
	IDFormatBase64
)

// IDParts is an id split into its fields, useful for audit and debugging.
type IDParts struct {
	Timestamp    time.Time
	DatacenterID uint8
	WorkerID     uint8
	Sequence     uint16
}

// ParseTimestamp returns the creation time embedded in id, using the epoch of
// the process wide generator, or DefaultEpoch before it is built.
func ParseTimestamp(id uint64) time.Time {
	epoch := DefaultEpoch
	if generator := defaultGenerator.Load(); generator != nil {
		epoch = generator.epoch
	}
	return ParseTimestampWithEpoch(id, epoch)
}

func ParseTimestampWithEpoch(id uint64, epoch int64) time.Time {
	return time.UnixMilli(int64(id>>TimestampShift) + epoch)
}

func Decompose(id uint64, epoch int64) IDParts {
	return IDParts{
		Timestamp:    ParseTimestampWithEpoch(id, epoch),
		DatacenterID: uint8((id >> DatacenterIDShift) & MaxDatacenterID),
		WorkerID:     uint8((id >> WorkerIDShift) & MaxWorkerID),
		Sequence:     uint16(id & MaxSequence),
	}
}

// FormatID encodes id using one of the bwmarrin/snowflake alphabets, so ids
// from this package can be exchanged with services using that library.
func FormatID(id uint64, format IDFormat) string {
	sid := snowflake.ID(int64(id))
	switch format {
	case IDFormatBase2:
		return sid.Base2()
	case IDFormatBase32:
		return sid.Base32()
	case IDFormatBase36:
		return sid.Base36()
	case IDFormatBase58:
		return sid.Base58()
	case IDFormatBase64:
		return sid.Base64()
	default:
		return strconv.FormatUint(id, 10)
	}
}

func ParseID(value string, format IDFormat) (uint64, error) {
	var sid snowflake.ID
	var err error
	switch format {
	case IDFormatBase2:
		sid, err = snowflake.ParseBase2(value)
	case IDFormatBase32:
		sid, err = snowflake.ParseBase32([]byte(value))
	case IDFormatBase36:
		sid, err = snowflake.ParseBase36(value)
	case IDFormatBase58:
		sid, err = snowflake.ParseBase58([]byte(value))
	case IDFormatBase64:
		sid, err = snowflake.ParseBase64(value)
	default:
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid id '%s'", value)
		}
		return id, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "invalid id '%s'", value)
	}
	if sid < 0 {
		return 0, errors.Errorf("invalid id '%s': negative value", value)
	}
	return uint64(sid), nil
}
