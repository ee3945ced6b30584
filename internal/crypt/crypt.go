package crypt

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	blockSize = aes.BlockSize
	// chunkSize is a multiple of the block size so every chunk except
	// the final padded one is block aligned.
	chunkSize = 32 * 1024
)

// ErrInvalidPadding signals a wrong key or corrupt ciphertext.
var ErrInvalidPadding = errors.New("invalid padding")

// LoadKey reads an AES-256 key from path. The file may hold the raw 32
// bytes or their 64-character hex encoding.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == KeySize {
		return trimmed, nil
	}
	if len(trimmed) == KeySize*2 {
		key := make([]byte, KeySize)
		if _, err := hex.Decode(key, trimmed); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("key file must hold %d raw bytes or %d hex characters", KeySize, KeySize*2)
}

// Encrypt writes a random IV followed by the AES-256-CBC ciphertext of
// src. The final block carries PKCS#7 padding, so even a block-aligned
// plaintext grows by one block.
func Encrypt(dst io.Writer, src io.Reader, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	iv := make([]byte, blockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}
	if _, err := dst.Write(iv); err != nil {
		return fmt.Errorf("write iv: %w", err)
	}

	enc := cipher.NewCBCEncrypter(block, iv)
	buf := make([]byte, chunkSize+blockSize)

	for {
		n, rerr := io.ReadFull(src, buf[:chunkSize])
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			// Final chunk: pad to the next block boundary.
			padLen := blockSize - n%blockSize
			for i := 0; i < padLen; i++ {
				buf[n+i] = byte(padLen)
			}
			enc.CryptBlocks(buf[:n+padLen], buf[:n+padLen])
			if _, err := dst.Write(buf[:n+padLen]); err != nil {
				return fmt.Errorf("write ciphertext: %w", err)
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read plaintext: %w", rerr)
		}

		enc.CryptBlocks(buf[:n], buf[:n])
		if _, err := dst.Write(buf[:n]); err != nil {
			return fmt.Errorf("write ciphertext: %w", err)
		}
	}
}

// Decrypt reverses Encrypt. It fails with ErrInvalidPadding when the
// key is wrong or the ciphertext was damaged.
func Decrypt(dst io.Writer, src io.Reader, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	iv := make([]byte, blockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return fmt.Errorf("read iv: %w", err)
	}

	dec := cipher.NewCBCDecrypter(block, iv)
	buf := make([]byte, chunkSize)
	// The last chunk read stays pending until EOF proves it final, so
	// its padding can be stripped before flushing.
	var pending []byte

	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if n%blockSize != 0 {
				return fmt.Errorf("ciphertext length is not block aligned")
			}
			dec.CryptBlocks(buf[:n], buf[:n])
			if len(pending) > 0 {
				if _, err := dst.Write(pending); err != nil {
					return fmt.Errorf("write plaintext: %w", err)
				}
			}
			pending = append(pending[:0], buf[:n]...)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read ciphertext: %w", rerr)
		}
	}

	if len(pending) == 0 {
		return fmt.Errorf("ciphertext is empty")
	}

	padLen := int(pending[len(pending)-1])
	if padLen < 1 || padLen > blockSize || padLen > len(pending) {
		return ErrInvalidPadding
	}
	for _, b := range pending[len(pending)-padLen:] {
		if int(b) != padLen {
			return ErrInvalidPadding
		}
	}

	if _, err := dst.Write(pending[:len(pending)-padLen]); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	return nil
}

// EncryptFile encrypts srcPath into dstPath. A failed run removes the
// partial output.
func EncryptFile(srcPath, dstPath string, key []byte) error {
	return transformFile(srcPath, dstPath, key, Encrypt)
}

// DecryptFile decrypts srcPath into dstPath. A failed run removes the
// partial output.
func DecryptFile(srcPath, dstPath string, key []byte) error {
	return transformFile(srcPath, dstPath, key, Decrypt)
}

func transformFile(srcPath, dstPath string, key []byte, fn func(io.Writer, io.Reader, []byte) error) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	w := bufio.NewWriter(dst)
	err = fn(w, bufio.NewReader(src), key)
	if err == nil {
		err = w.Flush()
	}
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close destination: %w", cerr)
	}
	if err != nil {
		os.Remove(dstPath)
		return err
	}
	return nil
}
