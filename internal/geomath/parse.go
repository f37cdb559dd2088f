package geomath

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseBBox parses a bounding box string of the form
// "min_lon,min_lat,max_lon,max_lat".
func ParseBBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("invalid bbox %q: expected format 'min_lon,min_lat,max_lon,max_lat'", s)
	}

	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		vals[i] = v
	}

	bbox := BoundingBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if err := bbox.Validate(); err != nil {
		return BoundingBox{}, fmt.Errorf("invalid bbox %q: %w", s, err)
	}
	return bbox, nil
}

// ParseExtent parses a directional extent string of the form
// "E{min}-E{max},N{min}-N{max}", e.g. "E110-E110.1,N30-N30.1".
func ParseExtent(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return BoundingBox{}, extentErr(s, "expected 2 comma-separated parts")
	}

	minLon, maxLon, err := parseExtentAxis(parts[0], 'E', 'W')
	if err != nil {
		return BoundingBox{}, extentErr(s, err.Error())
	}
	minLat, maxLat, err := parseExtentAxis(parts[1], 'N', 'S')
	if err != nil {
		return BoundingBox{}, extentErr(s, err.Error())
	}

	bbox := BoundingBox{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
	if err := bbox.Validate(); err != nil {
		return BoundingBox{}, extentErr(s, err.Error())
	}
	return bbox, nil
}

// parseExtentAxis parses one side of an extent string, e.g. "E110-E110.1"
// or "W0.5-E1". Each value must carry a hemisphere letter; the negative
// hemisphere (W or S) flips the sign.
func parseExtentAxis(part string, positive, negative byte) (min, max float64, err error) {
	part = strings.ToUpper(strings.TrimSpace(part))
	vals := strings.Split(part, "-")
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("%q must have 2 values separated by '-'", part)
	}
	for i, v := range vals {
		if len(v) == 0 || (v[0] != positive && v[0] != negative) {
			return 0, 0, fmt.Errorf("%q must start with %q or %q", v, string(positive), string(negative))
		}
		f, perr := strconv.ParseFloat(v[1:], 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("%q is not a number", v[1:])
		}
		if v[0] == negative {
			f = -f
		}
		if i == 0 {
			min = f
		} else {
			max = f
		}
	}
	return min, max, nil
}

func extentErr(s, reason string) error {
	return fmt.Errorf("invalid extent %q: %s (expected format 'E110-E110.1,N30-N30.1')", s, reason)
}
