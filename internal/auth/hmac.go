package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

// Sign computes the request signature:
// hex(HMAC-SHA256(secret, timestamp \n METHOD \n path \n hex(sha256(body)))).
func Sign(secret, timestamp, method, path string, body []byte) string {
	sum := sha256.Sum256(body)
	msg := timestamp + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + hex.EncodeToString(sum[:])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) verifyHMAC(r *http.Request, client, timestamp, signature, tenant string, payload func() ([]byte, error)) (*Context, error) {
	secret, ok := v.cfg.HMACSecrets[client]
	if !ok {
		return nil, reject("Unknown client", string(MethodHMAC), nil, "client_id", client)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, reject("Invalid timestamp", string(MethodHMAC), nil, "client_id", client)
	}

	skew := v.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.cfg.ClockTolerance/time.Second) {
		return nil, reject("Timestamp outside tolerance", string(MethodHMAC), nil,
			"client_id", client,
			"timestamp", timestamp,
		)
	}

	body, err := payload()
	if err != nil {
		return nil, err
	}

	computed := Sign(secret, timestamp, r.Method, r.URL.Path, body)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(signature)) != 1 {
		return nil, reject("Signature mismatch", string(MethodHMAC), nil,
			"client_id", client,
			"timestamp", timestamp,
			"method", r.Method,
			"path", r.URL.Path,
		)
	}

	if tenant == "" {
		return nil, domain.BadRequest("Missing product in path", nil)
	}

	slog.Debug("hmac authentication succeeded", "client_id", client)

	return &Context{
		Identity: client,
		Tenant:   tenant,
		Method:   MethodHMAC,
		ClientID: client,
	}, nil
}
