package txweight

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// witnessScaleFactor determines the level of "discount" witness data
	// receives compared to "base" data.
	witnessScaleFactor = blockchain.WitnessScaleFactor

	// BaseTxSize 8 bytes
	//	- Version: 4 bytes
	//	- LockTime: 4 bytes
	BaseTxSize = 4 + 4

	// WitnessHeaderSize 2 bytes
	//	- Flag: 1 byte
	//	- Marker: 1 byte
	WitnessHeaderSize = 1 + 1

	// InputSize 41 bytes
	//	- PreviousOutPoint:
	//		- Hash: 32 bytes
	//		- Index: 4 bytes
	//	- OP_DATA: 1 byte (ScriptSigLength)
	//	- Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// P2PKHSize 25 bytes.
	P2PKHSize = 25

	// P2WPKHSize 22 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (PublicKeyHASH160 length)
	//	- PublicKeyHASH160: 20 bytes
	P2WPKHSize = 1 + 1 + 20

	// P2SHSize 23 bytes
	//	- OP_HASH160: 1 byte
	//	- OP_DATA: 1 byte (SCRIPTHASH160 length)
	//	- SCRIPTHASH160: 20 bytes
	//	- OP_EQUAL: 1 byte
	P2SHSize = 1 + 1 + 20 + 1

	// P2WSHSize 34 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (WitnessScriptSHA256 length)
	//	- WitnessScriptSHA256: 32 bytes
	P2WSHSize = 1 + 1 + 32

	// P2TRSize 34 bytes
	//	- OP_1: 1 byte
	//	- OP_DATA: 1 byte (x-only public key length)
	//	- x-only public key length: 32 bytes
	P2TRSize = 34

	// P2PKHScriptSigSize 108 bytes
	//	- OP_DATA: 1 byte (signature length)
	//	- signature
	//	- OP_DATA: 1 byte (pubkey length)
	//	- pubkey
	P2PKHScriptSigSize = 1 + 73 + 1 + 33

	// P2WKHWitnessSize 109 bytes
	//	- number_of_witness_elements: 1 byte
	//	- signature_length: 1 byte
	//	- signature
	//	- pubkey_length: 1 byte
	//	- pubkey
	P2WKHWitnessSize = 1 + 1 + 73 + 1 + 33

	// NestedP2WPKHScriptSigSize 23 bytes
	//	- OP_DATA: 1 byte (P2WPKH program length)
	//	- P2WPKH program: 22 bytes
	NestedP2WPKHScriptSigSize = 1 + P2WPKHSize

	// NestedP2WSHScriptSigSize 35 bytes
	//	- OP_DATA: 1 byte (P2WSH program length)
	//	- P2WSH program: 34 bytes
	NestedP2WSHScriptSigSize = 1 + P2WSHSize

	// TaprootKeyPathWitnessSize 66 bytes
	//	- number_of_witness_elements: 1 byte
	//	- signature_length: 1 byte
	//	- signature: 64 bytes (default sighash)
	TaprootKeyPathWitnessSize = 1 + 1 + 64

	// MultiSigPubKeySize 34 bytes
	//	- OP_DATA: 1 byte
	//	- compressed pubkey: 33 bytes
	MultiSigPubKeySize = 1 + 33

	// multiSigSignatureSize is a DER signature with its push opcode and
	// sighash flag.
	multiSigSignatureSize = 1 + 73
)

// MultiSigWitnessScriptSize returns the size of an n key CHECKMULTISIG
// witness script.
//   - OP_k: 1 byte
//   - n * (OP_DATA + pubkey)
//   - OP_n: 1 byte
//   - OP_CHECKMULTISIG: 1 byte
func MultiSigWitnessScriptSize(n int) int {
	return 1 + n*MultiSigPubKeySize + 1 + 1
}

// MultiSigWitnessSize returns the size of a witness spending a k-of-n
// CHECKMULTISIG witness script.
//   - number_of_witness_elements: 1 byte
//   - empty element for the CHECKMULTISIG bug: 1 byte
//   - k * (signature_length + signature)
//   - witness_script_length
//   - witness_script
func MultiSigWitnessSize(k, n int) int {
	scriptSize := MultiSigWitnessScriptSize(n)

	return 1 + 1 + k*multiSigSignatureSize +
		wire.VarIntSerializeSize(uint64(scriptSize)) + scriptSize
}
