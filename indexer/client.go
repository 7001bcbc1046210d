package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crosscredit/ledger"
	"crosscredit/snapshot"
)

// Client talks to the off-chain indexer that tracks deposits, borrow
// positions and prices, and relays gasless transactions.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// BorrowTicket is a server-side borrow authorization. The signature is
// produced by the issuer signer and is bound to the returned nonce.
type BorrowTicket struct {
	Timestamp uint64
	Nonce     uint64
	Signature []byte
	Status    string
}

// RelayResult reports the outcome of a gasless borrow or mint relayed
// through the indexer.
type RelayResult struct {
	Status string `json:"status"`
	TxHash string `json:"hash"`
}

// OracleQuote carries the raw price feed the indexer serves. Prices are
// decimal strings in USD.
type OracleQuote struct {
	Eth    string `json:"eth"`
	WstEth string `json:"wsteth"`
}

// Ratio converts a quote into the fixed-point pair the credit math uses.
func (q OracleQuote) Ratio() (ledger.PriceRatio, error) {
	ethUsd, err := parseWad(q.Eth)
	if err != nil {
		return ledger.PriceRatio{}, fmt.Errorf("eth price: %w", err)
	}
	wstUsd, err := parseWad(q.WstEth)
	if err != nil {
		return ledger.PriceRatio{}, fmt.Errorf("wsteth price: %w", err)
	}
	if ethUsd.Sign() <= 0 {
		return ledger.PriceRatio{}, errors.New("eth price must be positive")
	}
	ratio := new(big.Int).Mul(wstUsd, big.NewInt(1e18))
	ratio.Quo(ratio, ethUsd)
	return ledger.PriceRatio{EthUsd: ethUsd, WstEthToEth: ratio}, nil
}

// parseWad scales a decimal string such as "3421.55" to 18 fractional
// digits, truncating anything beyond.
func parseWad(raw string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", raw)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(big.NewInt(1e18)))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

// WalletData fetches the credit accounts reachable from a wallet.
func (c *Client) WalletData(ctx context.Context, wallet common.Address) ([]snapshot.CreditAccount, error) {
	var accounts []snapshot.CreditAccount
	if err := c.get(ctx, "/api/walletdata/"+wallet.Hex(), &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// OracleData fetches the current price quote.
func (c *Client) OracleData(ctx context.Context) (OracleQuote, error) {
	var quote OracleQuote
	if err := c.get(ctx, "/api/oracle-data", &quote); err != nil {
		return OracleQuote{}, err
	}
	return quote, nil
}

// BorrowRequest asks the issuer to co-sign a direct borrow.
type BorrowRequest struct {
	Wallet    common.Address
	AccountID string
	Amount    *big.Int
	LZID      uint32
	Recipient common.Address
}

type borrowWire struct {
	WalletAddress string `json:"walletAddress"`
	AccountID     string `json:"nftId"`
	Amount        string `json:"amount"`
	ChainID       string `json:"chainId"`
	Recipient     string `json:"recipient,omitempty"`
}

type ticketWire struct {
	Timestamp json.Number `json:"timestamp"`
	Nonce     json.Number `json:"nonce"`
	Signature string      `json:"signature"`
	Status    string      `json:"status"`
}

// Borrow requests an issuer signature for a direct borrow. A non-approved
// status is returned in the ticket, not as an error.
func (c *Client) Borrow(ctx context.Context, req BorrowRequest) (*BorrowTicket, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errors.New("borrow amount must be positive")
	}
	payload := borrowWire{
		WalletAddress: req.Wallet.Hex(),
		AccountID:     req.AccountID,
		Amount:        req.Amount.String(),
		ChainID:       strconv.FormatUint(uint64(req.LZID), 10),
	}
	if req.Recipient != (common.Address{}) {
		payload.Recipient = req.Recipient.Hex()
	}
	var wire ticketWire
	if err := c.post(ctx, "/api/borrow", payload, &wire); err != nil {
		return nil, err
	}
	ticket := &BorrowTicket{Status: wire.Status}
	if wire.Status != StatusBorrowApproved {
		return ticket, nil
	}
	ts, err := parseNumber(wire.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("borrow timestamp: %w", err)
	}
	nonce, err := parseNumber(wire.Nonce)
	if err != nil {
		return nil, fmt.Errorf("borrow nonce: %w", err)
	}
	sig, err := hexutil.Decode(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("borrow signature: %w", err)
	}
	ticket.Timestamp = ts
	ticket.Nonce = nonce
	ticket.Signature = sig
	return ticket, nil
}

func parseNumber(n json.Number) (uint64, error) {
	return strconv.ParseUint(n.String(), 10, 64)
}

// GaslessBorrowRequest relays a user-signed borrow so the indexer pays gas.
type GaslessBorrowRequest struct {
	Signer        common.Address
	AccountID     string
	Amount        *big.Int
	Timestamp     uint64
	LZID          uint32
	Recipient     common.Address
	UserSignature []byte
	UseWeth       bool
	Integrator    uint64
}

type gaslessWire struct {
	Signer        string `json:"signer"`
	AccountID     string `json:"nftId"`
	Amount        string `json:"amount"`
	Timestamp     string `json:"timestamp"`
	ChainID       string `json:"chainId"`
	Recipient     string `json:"recipient"`
	UserSignature string `json:"userSignature"`
	UseWeth       bool   `json:"weth"`
	Integrator    uint64 `json:"integrator"`
	NFTAddress    string `json:"nftAddress,omitempty"`
}

func (req GaslessBorrowRequest) wire() gaslessWire {
	return gaslessWire{
		Signer:        req.Signer.Hex(),
		AccountID:     req.AccountID,
		Amount:        req.Amount.String(),
		Timestamp:     strconv.FormatUint(req.Timestamp, 10),
		ChainID:       strconv.FormatUint(uint64(req.LZID), 10),
		Recipient:     req.Recipient.Hex(),
		UserSignature: hexutil.Encode(req.UserSignature),
		UseWeth:       req.UseWeth,
		Integrator:    req.Integrator,
	}
}

// BorrowGasless relays a signed borrow. The caller inspects the returned
// status; only transport failures surface as errors.
func (c *Client) BorrowGasless(ctx context.Context, req GaslessBorrowRequest) (*RelayResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errors.New("borrow amount must be positive")
	}
	if len(req.UserSignature) == 0 {
		return nil, errors.New("user signature required")
	}
	var result RelayResult
	if err := c.post(ctx, "/api/borrow-gasless", req.wire(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GaslessMint relays a signed borrow that also mints the credit account
// token on the destination chain.
func (c *Client) GaslessMint(ctx context.Context, req GaslessBorrowRequest, nftAddress common.Address) (*RelayResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errors.New("borrow amount must be positive")
	}
	if len(req.UserSignature) == 0 {
		return nil, errors.New("user signature required")
	}
	payload := req.wire()
	payload.NFTAddress = nftAddress.Hex()
	var result RelayResult
	if err := c.post(ctx, "/api/gasless-minting", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type updateWire struct {
	AccountID     string `json:"nftId"`
	WalletAddress string `json:"walletAddress,omitempty"`
	ChainID       string `json:"chainId,omitempty"`
}

type updateResult struct {
	Status string `json:"status"`
}

// UpdateLimits tells the indexer to re-read limit configuration for a
// wallet that was just added or changed on the account.
func (c *Client) UpdateLimits(ctx context.Context, accountID string, wallet common.Address) error {
	return c.update(ctx, "/api/updatelimits", updateWire{AccountID: accountID, WalletAddress: wallet.Hex()})
}

// UpdateDeposit tells the indexer a deposit landed on a chain.
func (c *Client) UpdateDeposit(ctx context.Context, accountID string, lzID uint32) error {
	return c.update(ctx, "/api/updatedeposit", updateWire{AccountID: accountID, ChainID: strconv.FormatUint(uint64(lzID), 10)})
}

// UpdateBorrow tells the indexer a repay or borrow settled on a chain.
func (c *Client) UpdateBorrow(ctx context.Context, accountID string, lzID uint32) error {
	return c.update(ctx, "/api/updateborrow", updateWire{AccountID: accountID, ChainID: strconv.FormatUint(uint64(lzID), 10)})
}

// UpdateNFT tells the indexer to refresh account-level state after a mint
// or configuration change.
func (c *Client) UpdateNFT(ctx context.Context, accountID string, lzID uint32) error {
	return c.update(ctx, "/api/updatenft", updateWire{AccountID: accountID, ChainID: strconv.FormatUint(uint64(lzID), 10)})
}

func (c *Client) update(ctx context.Context, path string, payload updateWire) error {
	var result updateResult
	if err := c.post(ctx, path, payload, &result); err != nil {
		return err
	}
	if result.Status != StatusUpdateSuccessful {
		return fmt.Errorf("indexer update %s: status %q", path, result.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out interface{}) error {
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("indexer %s failed: status=%d body=%s", path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}
