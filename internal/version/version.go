// Package version хранит сведения о сборке, проставляемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/checkout/internal/version.version=v1.2.0
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Service задаёт имя сервиса в логах и health-ответах.
const Service = "checkout-service"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// BuildInfo описывает текущую сборку.
type BuildInfo struct {
	Service string
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о сборке.
func Current() BuildInfo {
	return BuildInfo{Service: Service, Version: version, Commit: commit, Date: date}
}

// GetVersion возвращает версию для health-ответов.
func GetVersion() string { return version }

// Dev сообщает, что бинарник собран без -ldflags.
func (b BuildInfo) Dev() bool { return b.Version == "dev" }

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", b.Service, b.Version, b.Commit, b.Date)
}

// Fields возвращает поля для стартовой записи лога.
func (b BuildInfo) Fields() log.Fields {
	return log.Fields{
		"service": b.Service,
		"version": b.Version,
		"commit":  b.Commit,
		"built":   b.Date,
	}
}
