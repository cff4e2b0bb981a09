// Package serve exposes a small HTTP status surface for a running
// simulation process: a health probe and a JSON progress snapshot per rank.
package serve

import (
	"time"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
}
