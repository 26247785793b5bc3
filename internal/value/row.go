package value

import (
	"fmt"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

// Row is the common 13-column shape shared by the current-value and
// history tables (spec §4.1 and §6). Only the fields required by the
// variant are populated; the rest are left at their zero value.
type Row struct {
	ID             int64
	AppID          uint32
	Name           string
	Type           Kind
	BlobSize       int64
	BlobHash       []byte // nil unless Type == KindBlob
	BlobContentID  int64  // C2 stream id; 0 until persisted
	StringValue    string
	LongValue      uint32
	LongLongValue  uint64
	BoolValue      bool
	When           filetime.Ticks
	By             string
	LastHistoryID  int64 // current-row-only column; 0 in history rows
}

// EncodeRow projects v into the common row shape for (appID, name).
func EncodeRow(appID uint32, name string, v Value) Row {
	row := Row{
		AppID: appID,
		Name:  name,
		Type:  v.Kind,
		When:  v.When,
		By:    v.By,
	}

	switch v.Kind {
	case KindDword:
		row.LongValue = v.Dword
	case KindQword:
		row.LongLongValue = v.Qword
	case KindBool:
		row.BoolValue = v.Bool
	case KindString:
		row.StringValue = v.String
	case KindBlob:
		row.BlobSize = v.BlobSize
		row.BlobHash = append([]byte(nil), v.BlobHash[:]...)
		row.BlobContentID = v.BlobStreamID
	case KindDeleted:
		// no payload columns
	}

	return row
}

// DecodeRow reconstructs a Value from a stored Row.
func DecodeRow(row Row) (Value, error) {
	v := Value{Kind: row.Type, When: row.When, By: row.By}

	switch row.Type {
	case KindDeleted:
	case KindDword:
		v.Dword = row.LongValue
	case KindQword:
		v.Qword = row.LongLongValue
	case KindBool:
		v.Bool = row.BoolValue
	case KindString:
		v.String = row.StringValue
	case KindBlob:
		if row.BlobSize > 0 && row.BlobContentID == 0 {
			return Value{}, enginerr.New(enginerr.Invalid, "value.decode", fmt.Errorf("blob size %d but no content id", row.BlobSize))
		}

		v.BlobSize = row.BlobSize
		v.BlobStreamID = row.BlobContentID

		if len(row.BlobHash) == HashSize {
			copy(v.BlobHash[:], row.BlobHash)
		}
	default:
		return Value{}, enginerr.New(enginerr.Invalid, "value.decode", fmt.Errorf("unknown type tag %d", row.Type))
	}

	return v, nil
}
