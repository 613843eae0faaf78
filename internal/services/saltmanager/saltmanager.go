package saltmanager

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openpulse/pulse/internal/platform/logger"
)

// Salt is a 32 byte hashing key, sized for blake3 keyed hashing.
type Salt [32]byte

// Bytes converts the salt to a byte slice.
func (s Salt) Bytes() []byte { return s[:] }

func randomSalt() (Salt, error) {
	var salt Salt
	n, err := rand.Read(salt[:])
	if err != nil {
		return Salt{}, err
	}
	if n != len(salt) {
		return Salt{}, fmt.Errorf("short read of %v random bytes: %v bytes read", len(salt), n)
	}
	return salt, nil
}

// Service hands out hashing salts. The daily salt rotates at UTC midnight so
// fingerprints of the same visitor differ across calendar days; the static
// salt is stable for the process lifetime.
type Service interface {
	DailySalt() Salt
	StaticSalt() Salt
}

type service struct {
	log         *logger.Logger
	currentSalt atomic.Pointer[Salt]
	staticSalt  Salt
}

// NewService returns a salt manager and starts its rotation loop.
func NewService(log *logger.Logger) (Service, error) {
	staticSalt, err := randomSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate static salt: %w", err)
	}

	srv := &service{
		log:        log.With("service", "saltmanager"),
		staticSalt: staticSalt,
	}
	if err := srv.rotateSalt(); err != nil {
		return nil, err
	}

	go srv.rotateSaltLoop()

	return srv, nil
}

// DailySalt implements Service.
func (s *service) DailySalt() Salt { return *s.currentSalt.Load() }

// StaticSalt implements Service.
func (s *service) StaticSalt() Salt { return s.staticSalt }

func (s *service) rotateSaltLoop() {
	for {
		now := time.Now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		time.Sleep(time.Until(nextMidnight))

		if err := s.rotateSalt(); err != nil {
			s.log.Error("failed to rotate daily salt", "error", err)
		} else {
			s.log.Info("daily salt rotated")
		}
	}
}

func (s *service) rotateSalt() error {
	salt, err := randomSalt()
	if err != nil {
		return fmt.Errorf("failed to generate random salt: %w", err)
	}
	s.currentSalt.Store(&salt)
	return nil
}
