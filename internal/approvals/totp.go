package approvals

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

var ErrInvalidTOTP = errors.New("invalid TOTP code")

// TOTPResolver accepts a decision only together with a current code from
// the operator's authenticator app.
type TOTPResolver struct {
	Gate   *Gate
	Secret string
}

// Resolve validates code and forwards the decision. A bad code leaves the
// request pending.
func (r *TOTPResolver) Resolve(id string, decision types.ApprovalDecision, code string) (bool, error) {
	if !ValidateTOTPCode(strings.TrimSpace(code), r.Secret) {
		return false, ErrInvalidTOTP
	}
	return r.Gate.Resolve(id, decision), nil
}

// GenerateTOTPSecret returns a base32-encoded 160-bit secret.
func GenerateTOTPSecret() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(secret), nil
}

// ValidateTOTPCode uses SHA1, 6 digits, 30 second period, one period skew.
func ValidateTOTPCode(code, secret string) bool {
	if secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}

func FormatTOTPURI(account, secret string) string {
	return fmt.Sprintf("otpauth://totp/actiond:%s?secret=%s&issuer=actiond", account, secret)
}

// DisplayTOTPSetup prints a terminal QR code for enrolling the secret.
func DisplayTOTPSetup(w io.Writer, account, secret string) error {
	qr, err := qrcode.New(FormatTOTPURI(account, secret), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}
	fmt.Fprintf(w, "\nScan with an authenticator app to approve actions as %q:\n\n", account)
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintf(w, "\nOr enter the secret manually: %s\n\n", secret)
	return nil
}
