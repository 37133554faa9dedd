// Package sadad implements the Sadad Qatar web checkout: signed form
// construction and callback checksum verification.
package sadad

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/opticshop/opticshop/internal/crypto"
	"github.com/opticshop/opticshop/internal/payments"
)

const (
	// The pool repeats some characters on purpose; it must match the
	// pool the gateway itself draws from.
	saltAlphabet = "AbcDE123IJKLMN67QRSTUVWXYZ" + "aBCdefghijklmn123opq45rs67tuv89wxyz" + "0FGH45OP89"
	saltLength   = 4
	keyLength    = 16

	FieldChecksum     = "checksumhash"
	FieldResponseCode = "RESPCODE"
	FieldResponseMsg  = "RESPMSG"
	FieldOrderID      = "ORDERID"
	FieldTxnNumber    = "transaction_number"
	FieldTxnAmount    = "TXNAMOUNT"

	successResponseCode = "1"
)

var fixedIV = []byte("@@@@&&&&####$$$$")

var (
	ErrMissingCredentials = errors.New("sadad merchant id and secret key are required")
	ErrMissingChecksum    = errors.New("callback has no checksumhash")
)

// ProductDetail is one entry of the nested productdetail list.
type ProductDetail struct {
	OrderID  string
	ItemName string
	Amount   string
	Quantity string
	Type     string
}

// Signer produces and checks checksumhash values for one merchant account.
type Signer struct {
	merchantID    string
	encodedSecret string
	key           []byte
	salt          func() (string, error)
}

func NewSigner(merchantID, secretKey string) (*Signer, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" || secretKey == "" {
		return nil, ErrMissingCredentials
	}

	encodedSecret := url.QueryEscape(secretKey)
	return &Signer{
		merchantID:    merchantID,
		encodedSecret: encodedSecret,
		key:           deriveKey(encodedSecret, merchantID),
		salt:          randomSalt,
	}, nil
}

// deriveKey takes the first 16 bytes of encodedSecret+merchantID, padding
// with NUL bytes when shorter.
func deriveKey(encodedSecret, merchantID string) []byte {
	key := make([]byte, keyLength)
	copy(key, encodedSecret+merchantID)
	return key
}

// Sign returns the checksumhash for the flat fields plus product details.
func (s *Signer) Sign(fields payments.Fields, details []ProductDetail) (string, error) {
	payload, err := canonicalPayload(fields, details, s.encodedSecret)
	if err != nil {
		return "", err
	}
	salt, err := s.salt()
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := saltedDigest(payload, salt)
	ciphertext, err := crypto.EncryptCBC(s.key, fixedIV, []byte(digest+salt))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt checksum: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Verification is the outcome of checking a callback.
type Verification struct {
	ChecksumValid     bool
	Paid              bool
	ResponseCode      string
	ResponseMessage   string
	OrderID           string
	TransactionNumber string
	Amount            string
}

// VerifyCallback never fails loudly: any decoding, decryption or
// canonicalization problem yields ChecksumValid=false. Paid requires both a
// valid checksum and the success response code.
func (s *Signer) VerifyCallback(fields payments.Fields) Verification {
	v := Verification{
		ResponseCode:      fields.Value(FieldResponseCode),
		ResponseMessage:   fields.Value(FieldResponseMsg),
		OrderID:           fields.Value(FieldOrderID),
		TransactionNumber: fields.Value(FieldTxnNumber),
		Amount:            fields.Value(FieldTxnAmount),
	}
	v.ChecksumValid = s.checksumValid(fields) == nil
	v.Paid = v.ChecksumValid && v.ResponseCode == successResponseCode
	return v
}

func (s *Signer) checksumValid(fields payments.Fields) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("checksum verification panicked: %v", r)
		}
	}()

	checksum, ok := fields.Get(FieldChecksum)
	if !ok || strings.TrimSpace(checksum) == "" {
		return ErrMissingChecksum
	}
	// Some clients post the base64 value without form-encoding it, turning
	// '+' into ' ' on the way in.
	checksum = strings.ReplaceAll(strings.TrimSpace(checksum), " ", "+")

	ciphertext, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return fmt.Errorf("failed to decode checksum: %w", err)
	}
	plaintext, err := crypto.DecryptCBC(s.key, fixedIV, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decrypt checksum: %w", err)
	}
	if len(plaintext) <= saltLength {
		return fmt.Errorf("checksum plaintext too short")
	}

	salt := string(plaintext[len(plaintext)-saltLength:])
	claimed := plaintext[:len(plaintext)-saltLength]

	payload, err := canonicalPayload(fields.Without(FieldChecksum), nil, s.encodedSecret)
	if err != nil {
		return err
	}
	computed := saltedDigest(payload, salt)
	if !hmac.Equal([]byte(computed), claimed) {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}

func saltedDigest(payload []byte, salt string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte("|"))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

func randomSalt() (string, error) {
	limit := big.NewInt(int64(len(saltAlphabet)))
	out := make([]byte, saltLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = saltAlphabet[n.Int64()]
	}
	return string(out), nil
}

// canonicalPayload renders {"postData":{...},"secretKey":"..."} with keys in
// insertion order, no whitespace, and non-ASCII escaped as \uXXXX.
func canonicalPayload(fields payments.Fields, details []ProductDetail, encodedSecret string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"postData":{`)
	for i, field := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, field.Key, field.Value); err != nil {
			return nil, err
		}
	}
	if len(details) > 0 {
		if len(fields) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"productdetail":[`)
		for i, detail := range details {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('{')
			members := [][2]string{
				{"order_id", detail.OrderID},
				{"itemname", detail.ItemName},
				{"amount", detail.Amount},
				{"quantity", detail.Quantity},
				{"type", detail.Type},
			}
			for j, m := range members {
				if j > 0 {
					buf.WriteByte(',')
				}
				if err := writeMember(&buf, m[0], m[1]); err != nil {
					return nil, err
				}
			}
			buf.WriteByte('}')
		}
		buf.WriteByte(']')
	}
	buf.WriteString(`},"secretKey":`)
	if err := writeString(&buf, encodedSecret); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key, value string) error {
	if err := writeString(buf, key); err != nil {
		return err
	}
	buf.WriteByte(':')
	return writeString(buf, value)
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode %q: %w", s, err)
	}
	encoded := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))

	for len(encoded) > 0 {
		r, size := utf8.DecodeRune(encoded)
		encoded = encoded[size:]
		switch {
		case r < utf8.RuneSelf:
			buf.WriteByte(byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(buf, `\u%04x`, r)
		}
	}
	return nil
}
