// Package randseed initializes the process-wide hash secret used to salt
// the string-hash function, per spec.md §4.10. Source precedence: an
// integer seed from the environment expands via a linear-congruential
// generator (grounded on original_source/Python/random.c's lcg_urandom);
// the sentinel "random", or no environment override at all, pulls from OS
// entropy via golang.org/x/sys/unix.Getrandom, falling back to
// /dev/urandom.
package randseed

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// SecretSize is the width of the hash secret, matching CPython's
// _Py_HashSecret_t on 64-bit platforms (24 bytes: three size_t-ish fields).
// The exact internal layout is opaque to this package; only the byte count
// and the boundary behaviors in spec.md §8 matter (HASHSEED=0 zeroes it).
const SecretSize = 24

// Secret is the initialized hash-salt. Zero value is the all-zero secret
// (equivalent to HASHSEED=0).
type Secret [SecretSize]byte

var (
	once   sync.Once
	secret Secret
)

// Getenv abstracts environment lookup so tests can inject a fake
// environment without mutating the process's real one.
type Getenv func(key string) (string, bool)

func osGetenv(key string) (string, bool) { return os.LookupEnv(key) }

// Init computes the hash secret from HASHSEED-equivalent environment
// configuration, per the precedence in spec.md §4.10:
//  1. an integer seed -> LCG expansion (seed 0 zeroes the secret)
//  2. "random", or the variable unset -> OS entropy
//
// Returns a plain error (not a Fault; runtimecore.Initialize wraps it as a
// user_error Fault) if the variable is set but is neither "random" nor a
// valid integer in [0, 2^32).
func Init(env Getenv, envVar string) (Secret, error) {
	val, ok := env(envVar)
	if !ok || val == "" || val == "random" {
		return fromEntropy()
	}
	seed, err := strconv.ParseUint(val, 10, 64)
	if err != nil || seed > 0xFFFFFFFF {
		return Secret{}, fmt.Errorf("randseed: %s must be \"random\" or an integer in range [0, 4294967295]: %q", envVar, val)
	}
	return FromInteger(uint32(seed)), nil
}

// FromInteger expands a 32-bit seed into the full secret using the same
// linear-congruential generator as original_source/Python/random.c's
// lcg_urandom: x(n+1) = x(n)*214013 + 2531011 (mod 2^32), taking bits 23..16
// of each successive x(n) as the next output byte. A seed of 0 yields the
// all-zero secret (hash randomization disabled), matching the boundary
// behavior in spec.md §8.
func FromInteger(seed uint32) Secret {
	var s Secret
	if seed == 0 {
		return s
	}
	x := seed
	for i := range s {
		x = x*214013 + 2531011
		s[i] = byte(x >> 16)
	}
	return s
}

func fromEntropy() (Secret, error) {
	var s Secret
	if err := fillGetrandom(s[:]); err == nil {
		return s, nil
	}
	if err := fillDevURandom(s[:]); err == nil {
		return s, nil
	}
	return Secret{}, fmt.Errorf("randseed: no entropy source available")
}

func fillGetrandom(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Getrandom(buf, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("randseed: getrandom returned 0 bytes")
		}
		buf = buf[n:]
	}
	return nil
}

func fillDevURandom(buf []byte) error {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return err
	}
	defer f.Close()
	for len(buf) > 0 {
		n, err := f.Read(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Process initializes (once) and returns the process-wide secret, reading
// the given environment variable name (the pre-config layer names it
// HASHSEED; see preconfig.PreConfig.HashSeedEnv). Subsequent calls return
// the same value without re-reading the environment, matching
// _Py_HashSecret_Initialized's latch semantics.
func Process(envVar string) (Secret, error) {
	var initErr error
	once.Do(func() {
		secret, initErr = Init(osGetenv, envVar)
	})
	return secret, initErr
}

// Reset clears the latch. Test-only: lets a test re-exercise Process with a
// different environment.
func Reset() {
	once = sync.Once{}
	secret = Secret{}
}
