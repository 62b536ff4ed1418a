package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeySize is the length of device and session keys.
const KeySize = 16

// Cipher is AES-128 in the block modes used on the LAN protocol.
type Cipher struct {
	block cipher.Block
}

// NewCipher returns a cipher for a 16-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return &Cipher{block: block}, nil
}

// EncryptECB encrypts data block by block. Without pad, data must already
// be block aligned.
func (c *Cipher) EncryptECB(data []byte, pad bool) ([]byte, error) {
	if pad {
		data = pkcs7Pad(data)
	} else if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ecb input of %d bytes is not block aligned", ErrEncoding, len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		c.block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// DecryptECB inverts EncryptECB. Bad alignment or padding is reported as
// a DecryptionError with an empty Cmd; Engine fills it in.
func (c *Cipher) DecryptECB(data []byte, unpad bool) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Reason: fmt.Sprintf("ciphertext length %d is not a multiple of %d", len(data), aes.BlockSize)}
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		c.block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	if !unpad {
		return out, nil
	}
	return pkcs7Unpad(out)
}

// EncryptCBC encrypts padded data and returns iv followed by the ciphertext.
func (c *Cipher) EncryptCBC(data, iv []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrEncoding, aes.BlockSize)
	}
	data = pkcs7Pad(data)
	out := make([]byte, aes.BlockSize+len(data))
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[aes.BlockSize:], data)
	return out, nil
}

// DecryptCBC takes the iv from the first block of data.
func (c *Cipher) DecryptCBC(data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Reason: fmt.Sprintf("cbc input length %d is invalid", len(data))}
	}
	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:]
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &DecryptionError{Reason: "empty plaintext"}
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, &DecryptionError{Reason: fmt.Sprintf("invalid padding byte 0x%02X", n)}
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, &DecryptionError{Reason: "inconsistent padding"}
		}
	}
	return data[:len(data)-n], nil
}
