// Package sign provides the algorithm-polymorphic key abstraction.
//
// A SigningKey owns private key material for exactly one Algorithm and only
// ever signs 32-byte prehashed digests. Its public counterpart, VerifyingKey,
// is a comparable value that can be used as a map key.
//
// # Security Design
//
//   - Key material is never exposed through the API, printed or logged
//   - Errors are fixed-text sentinels without detail
//   - Generation uses rejection sampling, so every key is a uniform scalar
//   - SigningKey.Zero scrubs the scalar when the owner is done with it
//
// Usage
//
//	key, err := sign.GenerateSigningKey(sign.AlgorithmEcdsaSecp256k1)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer key.Zero()
//
//	digest := sign.Keccak256([]byte("hello world"))
//	sig, err := key.SignPrehash(digest)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(len(sig), key.VerifyingKey())
package sign
