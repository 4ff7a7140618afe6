package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-128 key length in bytes.
	KeySize = 16
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize
)

// ErrCipher is returned when a segment cannot be decrypted.
var ErrCipher = errors.New("hls segment decryption failed")

// Decrypt decrypts one AES-128-CBC segment. When ivHex is empty the IV is
// the big-endian encoding of the segment sequence number.
func Decrypt(ciphertext, key []byte, ivHex string, sequence uint64) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrCipher, len(key), KeySize)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not block aligned", ErrCipher, len(ciphertext))
	}

	var (
		iv  []byte
		err error
	)
	if ivHex != "" {
		iv, err = DecodeIV(ivHex)
		if err != nil {
			return nil, err
		}
	} else {
		iv = SequenceIV(sequence)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return UnpadIfValid(plaintext), nil
}

// DecodeIV decodes a hexadecimal IV with an optional 0x prefix.
func DecodeIV(ivHex string) ([]byte, error) {
	normalized := ivHex
	if strings.HasPrefix(normalized, "0x") || strings.HasPrefix(normalized, "0X") {
		normalized = normalized[2:]
	}

	iv, err := hex.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv %q: %v", ErrCipher, ivHex, err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrCipher, len(iv), IVSize)
	}
	return iv, nil
}

// SequenceIV derives the implicit IV for a media sequence number.
func SequenceIV(sequence uint64) []byte {
	iv := make([]byte, IVSize)
	binary.BigEndian.PutUint64(iv[IVSize-8:], sequence)
	return iv
}

// UnpadIfValid strips PKCS#7 padding only when the trailing bytes form a
// valid pad. Unpadded input that happens to end in a valid-looking pad is
// truncated as well; streams are not guaranteed to be padded.
func UnpadIfValid(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	n := int(data[len(data)-1])
	if n < 1 || n > aes.BlockSize || n > len(data) {
		return data
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return data
	}
	return data[:len(data)-n]
}
