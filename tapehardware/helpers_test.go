package tapehardware

import (
	"io"

	"ltfs-xfer/utils"
)

func testLogger() *utils.Logger {
	return utils.NewLoggerWriter(io.Discard, utils.LogConfig{})
}
