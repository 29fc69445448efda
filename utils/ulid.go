package utils

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// NewID returns a new ULID string. Sessions and simulated files are named
// with these so they sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// TimeFromID returns the creation time embedded in a ULID name. A ".blk" or
// ".tape" suffix is ignored.
func TimeFromID(name string) (time.Time, error) {
	name = strings.TrimSuffix(name, ".blk")
	name = strings.TrimSuffix(name, ".tape")
	id, err := ulid.Parse(name)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unable to ulid parse %q", name)
	}
	return ulid.Time(id.Time()), nil
}
