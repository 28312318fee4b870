package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// AddressLength - длина адреса в байтах (последние 20 байт keccak256)
const AddressLength = 20

// Keccak256 возвращает keccak256 (legacy, как в Ethereum) от конкатенации data
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256Hex возвращает keccak256 в виде hex-строки без префикса
func Keccak256Hex(data ...[]byte) string {
	return hex.EncodeToString(Keccak256(data...))
}

// DeriveAddress детерминированно выводит адрес из типа сущности и seed-частей
//
// Части разделяются нулевым байтом, чтобы ("ab","c") и ("a","bc") давали
// разные адреса. Результат: "0x" + 40 hex в нижнем регистре.
func DeriveAddress(kind string, parts ...string) string {
	chunks := make([][]byte, 0, 2*len(parts)+1)
	chunks = append(chunks, []byte(kind))
	for _, p := range parts {
		chunks = append(chunks, []byte{0}, []byte(p))
	}
	sum := Keccak256(chunks...)
	return "0x" + hex.EncodeToString(sum[len(sum)-AddressLength:])
}
