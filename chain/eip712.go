package chain

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712 domain constants of the CTF exchange and the CLOB auth challenge
const (
	ExchangeDomainName = "Polymarket CTF Exchange"
	AuthDomainName     = "ClobAuthDomain"
	DomainVersion      = "1"

	// AuthAttestation is the fixed message signed in the auth challenge.
	AuthAttestation = "This message attests that I control the given wallet"
)

// Pre-computed type hashes using keccak256
var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))

	// Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)
	OrderTypeHash = crypto.Keccak256Hash([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)",
	))
)

var (
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	uint8Type, _   = abi.NewType("uint8", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

var authTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"ClobAuth": {
		{Name: "address", Type: "address"},
		{Name: "timestamp", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "message", Type: "string"},
	},
}

// EIP712Domain represents the exchange domain separator data
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewEIP712Domain creates an exchange domain for the given chain and contract
func NewEIP712Domain(chainID int64, verifyingContract common.Address) *EIP712Domain {
	return &EIP712Domain{
		Name:              ExchangeDomainName,
		Version:           DomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Hash computes the domain separator by ABI-encoding the domain fields.
func (d *EIP712Domain) Hash() common.Hash {
	arguments := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: bytes32Type}, // nameHash
		{Type: bytes32Type}, // versionHash
		{Type: uint256Type}, // chainId
		{Type: addressType}, // verifyingContract
	}

	encoded, err := arguments.Pack(
		EIP712DomainTypeHash,
		crypto.Keccak256Hash([]byte(d.Name)),
		crypto.Keccak256Hash([]byte(d.Version)),
		d.ChainID,
		d.VerifyingContract,
	)
	if err != nil {
		panic("failed to encode domain separator: " + err.Error())
	}

	return crypto.Keccak256Hash(encoded)
}

func (d *EIP712Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// OrderStructHash computes the order struct hash by ABI-encoding its fields.
func OrderStructHash(o *Order) common.Hash {
	arguments := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: uint256Type}, // salt
		{Type: addressType}, // maker
		{Type: addressType}, // signer
		{Type: addressType}, // taker
		{Type: uint256Type}, // tokenId
		{Type: uint256Type}, // makerAmount
		{Type: uint256Type}, // takerAmount
		{Type: uint256Type}, // expiration
		{Type: uint256Type}, // nonce
		{Type: uint256Type}, // feeRateBps
		{Type: uint8Type},   // side
		{Type: uint8Type},   // signatureType
	}

	encoded, err := arguments.Pack(
		OrderTypeHash,
		o.Salt,
		o.Maker,
		o.Signer,
		o.Taker,
		o.TokenID,
		o.MakerAmount,
		o.TakerAmount,
		o.Expiration,
		o.Nonce,
		o.FeeRateBps,
		uint8(o.Side),
		uint8(o.SignatureType),
	)
	if err != nil {
		panic("failed to encode order struct: " + err.Error())
	}

	return crypto.Keccak256Hash(encoded)
}

// CreateOrderSignHash creates the final hash to be signed:
// keccak256("\x19\x01" ++ domainSeparator ++ structHash)
func CreateOrderSignHash(domain *EIP712Domain, order *Order) common.Hash {
	return signHash(domain.Hash(), OrderStructHash(order))
}

func signHash(domainSeparator, structHash common.Hash) common.Hash {
	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, domainSeparator.Bytes()...)
	data = append(data, structHash.Bytes()...)
	return crypto.Keccak256Hash(data)
}

// OrderTypedData builds the typed-data payload a wallet signs for order.
// uint256 fields are canonical base-10 strings.
func OrderTypedData(domain *EIP712Domain, order *Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      domain.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          math.NewHexOrDecimal256(int64(order.Side)),
			"signatureType": math.NewHexOrDecimal256(int64(order.SignatureType)),
		},
	}
}

// AuthTypedData builds the CLOB auth challenge payload.
func AuthTypedData(chainID int64, address common.Address, timestamp int64, nonce int64, message string) apitypes.TypedData {
	if message == "" {
		message = AuthAttestation
	}
	return apitypes.TypedData{
		Types:       authTypes,
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    AuthDomainName,
			Version: DomainVersion,
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     strconv.FormatInt(nonce, 10),
			"message":   message,
		},
	}
}

// TypedDataDigest hashes a typed-data payload the way wallets do.
func TypedDataDigest(td apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash %s: %w", td.PrimaryType, err)
	}
	return signHash(common.BytesToHash(domainSeparator), common.BytesToHash(structHash)), nil
}

// OrderDigest returns the typed-data digest of order. The wallet payload
// digest and the ABI-packed digest must agree.
func OrderDigest(domain *EIP712Domain, order *Order) (common.Hash, error) {
	digest, err := TypedDataDigest(OrderTypedData(domain, order))
	if err != nil {
		return common.Hash{}, err
	}
	if packed := CreateOrderSignHash(domain, order); packed != digest {
		return common.Hash{}, fmt.Errorf("order digest mismatch: typed data %s, packed %s", digest.Hex(), packed.Hex())
	}
	return digest, nil
}

// ParseSignedOrder converts the wire shape back into an Order and its raw
// signature bytes.
func ParseSignedOrder(so *SignedOrder) (*Order, []byte, error) {
	parse := func(field, raw string) (*big.Int, error) {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return nil, validationErr(field, nil, "%q is not a base-10 unsigned integer", raw)
		}
		return v, nil
	}

	var (
		order = &Order{}
		err   error
	)
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"salt", so.Salt, &order.Salt},
		{"tokenId", so.TokenID, &order.TokenID},
		{"makerAmount", so.MakerAmount, &order.MakerAmount},
		{"takerAmount", so.TakerAmount, &order.TakerAmount},
		{"expiration", so.Expiration, &order.Expiration},
		{"nonce", so.Nonce, &order.Nonce},
		{"feeRateBps", so.FeeRateBps, &order.FeeRateBps},
	}
	for _, f := range fields {
		if *f.dst, err = parse(f.name, f.raw); err != nil {
			return nil, nil, err
		}
	}

	for _, a := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"maker", so.Maker, &order.Maker},
		{"signer", so.Signer, &order.Signer},
		{"taker", so.Taker, &order.Taker},
	} {
		if !common.IsHexAddress(a.raw) {
			return nil, nil, validationErr(a.name, nil, "%q is not an address", a.raw)
		}
		*a.dst = common.HexToAddress(a.raw)
	}

	if order.Side, err = ParseSide(so.Side); err != nil {
		return nil, nil, err
	}
	if so.SignatureType < 0 || so.SignatureType > int(SignatureTypePolyGnosisSafe) {
		return nil, nil, validationErr("signatureType", nil, "unknown signature type %d", so.SignatureType)
	}
	order.SignatureType = SignatureType(so.SignatureType)

	sig, err := hexutil.Decode(so.Signature)
	if err != nil {
		return nil, nil, &SigningError{Err: fmt.Errorf("%w: %v", ErrInvalidSignature, err)}
	}
	return order, sig, nil
}

// RecoverOrderSigner returns the address that produced the signature on so.
func RecoverOrderSigner(so *SignedOrder, domain *EIP712Domain) (common.Address, error) {
	order, sig, err := ParseSignedOrder(so)
	if err != nil {
		return common.Address{}, err
	}
	digest, err := OrderDigest(domain, order)
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(digest, sig)
}

// VerifySignedOrder checks that so was signed by its declared signer.
func VerifySignedOrder(so *SignedOrder, domain *EIP712Domain) error {
	recovered, err := RecoverOrderSigner(so, domain)
	if err != nil {
		return err
	}
	if recovered != common.HexToAddress(so.Signer) {
		return &SigningError{Err: fmt.Errorf("%w: recovered %s, declared signer %s", ErrInvalidSignature, recovered.Hex(), so.Signer)}
	}
	return nil
}

// RecoverAuthSigner returns the address that signed an auth challenge.
func RecoverAuthSigner(chainID int64, address common.Address, timestamp int64, nonce int64, message string, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, &SigningError{Err: fmt.Errorf("%w: %v", ErrInvalidSignature, err)}
	}
	digest, err := TypedDataDigest(AuthTypedData(chainID, address, timestamp, nonce, message))
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(digest, sig)
}

func recoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, &SigningError{Err: fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))}
	}
	raw := make([]byte, len(sig))
	copy(raw, sig)
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, &SigningError{Err: fmt.Errorf("%w: %v", ErrInvalidSignature, err)}
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func newSignedOrder(order *Order, sig []byte) *SignedOrder {
	return &SignedOrder{
		Salt:          order.Salt.String(),
		Maker:         order.Maker.Hex(),
		Signer:        order.Signer.Hex(),
		Taker:         order.Taker.Hex(),
		TokenID:       order.TokenID.String(),
		MakerAmount:   order.MakerAmount.String(),
		TakerAmount:   order.TakerAmount.String(),
		Expiration:    order.Expiration.String(),
		Nonce:         order.Nonce.String(),
		FeeRateBps:    order.FeeRateBps.String(),
		Side:          order.Side.String(),
		SignatureType: int(order.SignatureType),
		Signature:     hexutil.Encode(sig),
	}
}
