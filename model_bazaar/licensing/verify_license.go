package licensing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

var (
	ErrLicenseInvalid    = errors.New("license is invalid")
	ErrLicenseExpired    = errors.New("license is expired")
	ErrLicenseUnreadable = errors.New("license cannot be read")
	ErrCpuLimitExceeded  = errors.New("maximum cpu limit for license exceeded")
)

type LicensePayload struct {
	CpuMhzLimit    string `json:"cpuMhzLimit"`
	ExpiryDate     string `json:"expiryDate"`
	BoltLicenseKey string `json:"boltLicenseKey"`
}

func (l *LicensePayload) Expiry() (time.Time, error) {
	expiry, err := time.Parse(time.RFC3339, l.ExpiryDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unable to parse expiry '%v'", ErrLicenseUnreadable, l.ExpiryDate)
	}
	return expiry, nil
}

// TODO(Anyone): why is this not just stored as an integer in the license?
func (l *LicensePayload) CpuLimit() (int, error) {
	limit, err := strconv.Atoi(l.CpuMhzLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cpu limit '%v'", ErrLicenseUnreadable, l.CpuMhzLimit)
	}
	return limit, nil
}

type PlatformLicense struct {
	License   LicensePayload `json:"license"`
	Signature string         `json:"signature"`
}

type LicenseVerifier struct {
	publicKey   *rsa.PublicKey
	licensePath string
	now         func() time.Time
}

type Option func(*LicenseVerifier)

func WithPublicKey(key *rsa.PublicKey) Option {
	return func(v *LicenseVerifier) {
		v.publicKey = key
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *LicenseVerifier) {
		v.now = now
	}
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("pem data is corrupted")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key must be valid rsa key")
	}
	return rsaKey, nil
}

// NewVerifier only constructs the verifier, the license file itself is read
// on every call to Verify so it can be replaced without a restart.
func NewVerifier(licensePath string, opts ...Option) (*LicenseVerifier, error) {
	v := &LicenseVerifier{licensePath: licensePath, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}

	if v.publicKey == nil {
		key, err := parsePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("licensing error: %w", err)
		}
		v.publicKey = key
	}

	return v, nil
}

func (v *LicenseVerifier) Path() string {
	return v.licensePath
}

func (v *LicenseVerifier) LoadLicense() (PlatformLicense, error) {
	var license PlatformLicense

	file, err := os.Open(v.licensePath)
	if err != nil {
		slog.Error("error opening license file", "error", err)
		return license, fmt.Errorf("%w: unable to access platform license: %v", ErrLicenseUnreadable, err)
	}
	defer file.Close()

	err = json.NewDecoder(file).Decode(&license)
	if err != nil {
		slog.Error("unable to parse license file", "error", err)
		return license, fmt.Errorf("%w: unable to parse platform license: %v", ErrLicenseUnreadable, err)
	}

	return license, nil
}

// Verify checks the signature before anything else in the payload is trusted.
// Every signature failure is reported as ErrLicenseInvalid without further
// detail.
func (v *LicenseVerifier) Verify() (LicensePayload, error) {
	license, err := v.LoadLicense()
	if err != nil {
		return LicensePayload{}, err
	}

	signature, err := base64.StdEncoding.DecodeString(license.Signature)
	if err != nil {
		slog.Error("error decoding license signature", "error", err)
		return LicensePayload{}, ErrLicenseInvalid
	}

	message, err := json.Marshal(license.License)
	if err != nil {
		return LicensePayload{}, fmt.Errorf("%w: error encoding message: %v", ErrLicenseUnreadable, err)
	}

	hash := sha256.Sum256(message)

	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hash[:], signature); err != nil {
		slog.Error("platform license signature doesn't match")
		return LicensePayload{}, ErrLicenseInvalid
	}

	expiry, err := license.License.Expiry()
	if err != nil {
		return LicensePayload{}, err
	}

	if expiry.Before(v.now().UTC()) {
		slog.Error("platform license is expired", "expiry", expiry)
		return LicensePayload{}, ErrLicenseExpired
	}

	if _, err := license.License.CpuLimit(); err != nil {
		return LicensePayload{}, err
	}

	return license.License, nil
}

// CheckCapacity verifies the license and checks that cpuMhz, the usage after
// the new job is started, is within the licensed limit.
func (v *LicenseVerifier) CheckCapacity(cpuMhz int) (LicensePayload, error) {
	license, err := v.Verify()
	if err != nil {
		return LicensePayload{}, err
	}

	limit, err := license.CpuLimit()
	if err != nil {
		return LicensePayload{}, err
	}

	if limit < cpuMhz {
		slog.Error("platform license cpu limit exceeded", "limit", limit, "requested", cpuMhz)
		return LicensePayload{}, fmt.Errorf("%w: requested %d mhz, limit is %d mhz", ErrCpuLimitExceeded, cpuMhz, limit)
	}

	return license, nil
}
