package sign_test

import (
	"fmt"
	"log"

	"github.com/iqlusioninc/iqkms/pkg/sign"
)

// ExampleSigningKey_SignPrehash imports a key and signs a Keccak-256 digest.
func ExampleSigningKey_SignPrehash() {
	key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1,
		"0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef")
	if err != nil {
		log.Fatal(err)
	}
	defer key.Zero()

	sig, err := key.SignPrehash(sign.Keccak256([]byte("hello world")))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Algorithm:", key.Algorithm())
	fmt.Println("Signature length:", len(sig))
	fmt.Println(key)
	// Output:
	// Algorithm: ecdsa-secp256k1
	// Signature length: 64
	// SigningKey(ecdsa-secp256k1)
}

// ExampleSigningKey_SignPrehash_malformed shows the opaque error for a digest
// of the wrong length.
func ExampleSigningKey_SignPrehash_malformed() {
	key, err := sign.GenerateSigningKey(sign.AlgorithmEcdsaSecp256k1)
	if err != nil {
		log.Fatal(err)
	}

	_, err = key.SignPrehash([]byte("not a digest"))
	fmt.Println(err)
	// Output:
	// malformed digest
}
