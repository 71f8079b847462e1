package convert

import (
	"fmt"

	"github.com/fitsync/fitsync/internal/models"
)

// Convert transcodes an activity recording. Supported conversions are
// fit->tcx, fit->gpx and tcx->gpx; the reverse directions would have to
// invent data that is not there. Identical formats pass through untouched.
func Convert(data []byte, from, to models.FileFormat) ([]byte, error) {
	if from == to {
		return data, nil
	}

	track, err := Decode(data, from)
	if err != nil {
		return nil, err
	}

	switch to {
	case models.FormatTCX:
		if from != models.FormatFIT {
			return nil, unsupported(from, to)
		}
		return EncodeTCX(track)
	case models.FormatGPX:
		return EncodeGPX(track)
	}
	return nil, unsupported(from, to)
}

// CanConvert reports whether Convert supports a pair.
func CanConvert(from, to models.FileFormat) bool {
	if from == to {
		return true
	}
	switch from {
	case models.FormatFIT:
		return to == models.FormatTCX || to == models.FormatGPX
	case models.FormatTCX:
		return to == models.FormatGPX
	}
	return false
}

// Decode parses a recording in any supported source format.
func Decode(data []byte, format models.FileFormat) (*Track, error) {
	switch format {
	case models.FormatFIT:
		return DecodeFIT(data)
	case models.FormatTCX:
		return DecodeTCX(data)
	}
	return nil, fmt.Errorf("cannot decode %s recordings", format)
}

func unsupported(from, to models.FileFormat) error {
	return fmt.Errorf("conversion %s -> %s is not supported", from, to)
}
