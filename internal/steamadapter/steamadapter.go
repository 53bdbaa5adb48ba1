// Package steamadapter is the Steam Adapter (SA, spec.md section
// 4.8/4.12): mobile-authenticator TOTP generation, remote-session
// deauthorization, and SteamID extraction from a mafile payload. The
// TOTP variant is Steam-specific (non-decimal 5-char alphabet), which
// no ecosystem library in the example pack implements, so this is a
// deliberate standard-library component (see DESIGN.md).
package steamadapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const codeAlphabet = "23456789BCDFGHJKMNPQRTVWXY"
const codeLength = 5
const timeStep = 30 * time.Second

// Mafile is the Steam Desktop Authenticator payload stored (encrypted)
// in Account.MafileJSON.
type Mafile struct {
	SharedSecret string         `json:"shared_secret"`
	AccountName  string         `json:"account_name"`
	Session      *MafileSession `json:"Session,omitempty"`
	SteamID      string         `json:"SteamID,omitempty"`
}

// MafileSession holds the preferred location for a SteamID64, per
// spec.md section 4.8: "parse Session.SteamID (preferred) or SteamID".
type MafileSession struct {
	SteamID string `json:"SteamID"`
}

// ParseMafile unmarshals the decrypted mafile JSON blob.
func ParseMafile(raw string) (Mafile, error) {
	var m Mafile
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Mafile{}, fmt.Errorf("steamadapter: parsing mafile: %w", err)
	}
	return m, nil
}

// Adapter computes Steam Guard codes and manages remote deauthorization.
type Adapter struct {
	workerURL  string
	httpClient *http.Client
}

// New builds an Adapter that calls workerURL for deauth and
// server-time correction (SPEC_FULL section 4.12).
func New(workerURL string) *Adapter {
	return &Adapter{workerURL: workerURL, httpClient: &http.Client{}}
}

// ComputeCode generates the current Steam Guard code for mafile
// (spec.md section 4.8): HMAC-SHA1 over the 30s time-window counter
// using the base32 shared_secret, folded into a 5-character code over
// codeAlphabet by Steam's byte-selection algorithm.
func (a *Adapter) ComputeCode(ctx context.Context, mafile Mafile) (string, error) {
	secret, err := decodeSharedSecret(mafile.SharedSecret)
	if err != nil {
		return "", err
	}
	offset, err := a.serverTimeOffset(ctx)
	if err != nil {
		// Open Question (b), resolved in DESIGN.md: fall back to an
		// unadjusted local clock rather than fail code generation.
		offset = 0
	}
	counter := uint64((time.Now().Unix() + offset) / int64(timeStep.Seconds()))
	return generateCode(secret, counter), nil
}

func decodeSharedSecret(secret string) ([]byte, error) {
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		// Some mafiles keep the padding; retry with it before failing.
		decoded, err = base32.StdEncoding.DecodeString(strings.ToUpper(secret))
		if err != nil {
			return nil, fmt.Errorf("steamadapter: decoding shared_secret: %w", err)
		}
	}
	return decoded, nil
}

func generateCode(secret []byte, counter uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf)
	digest := mac.Sum(nil)

	offset := digest[len(digest)-1] & 0x0F
	value := binary.BigEndian.Uint32(digest[offset : offset+4])
	value &= 0x7FFFFFFF

	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeAlphabet[value%uint32(len(codeAlphabet))]
		value /= uint32(len(codeAlphabet))
	}
	return string(code)
}

// serverTimeOffset queries the vendor's time-correction endpoint and
// clamps the result to one time-step window, per the Open Question
// decision recorded in DESIGN.md ("keep the existing contract ...
// until the vendor documents it").
func (a *Adapter) serverTimeOffset(ctx context.Context) (int64, error) {
	if a.workerURL == "" {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.workerURL+"/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("steamadapter: querying server time: %w", err)
	}
	defer resp.Body.Close()
	var payload struct {
		ServerTime int64 `json:"server_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("steamadapter: decoding server time: %w", err)
	}
	offset := payload.ServerTime - time.Now().Unix()
	step := int64(timeStep.Seconds())
	if offset > step {
		offset = step
	}
	if offset < -step {
		offset = -step
	}
	return offset, nil
}

// DeauthorizeAll attempts to kill all remote Steam sessions for the
// account using the mafile payload. Best-effort: the release path
// never blocks on this for long (spec.md section 4.8, SPEC_FULL
// section 4.12: 90s timeout).
func (a *Adapter) DeauthorizeAll(ctx context.Context, login, password string, mafile Mafile) bool {
	if a.workerURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	payload, err := json.Marshal(struct {
		Login        string `json:"login"`
		Password     string `json:"password"`
		SharedSecret string `json:"shared_secret"`
	}{login, password, mafile.SharedSecret})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.workerURL+"/deauthorize", strings.NewReader(string(payload)))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

const minValidSteamID64 = 70_000_000_000_000_000

var errInvalidSteamID = errors.New("steamadapter: mafile has no valid SteamID")

// SteamIDFromMafile parses Session.SteamID (preferred) or SteamID,
// rejecting anything below the minimum valid SteamID64 (spec.md
// section 4.8).
func SteamIDFromMafile(mafile Mafile) (uint64, error) {
	raw := mafile.SteamID
	if mafile.Session != nil && mafile.Session.SteamID != "" {
		raw = mafile.Session.SteamID
	}
	if raw == "" {
		return 0, errInvalidSteamID
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("steamadapter: parsing SteamID: %w", err)
	}
	if id < minValidSteamID64 {
		return 0, errInvalidSteamID
	}
	return id, nil
}
