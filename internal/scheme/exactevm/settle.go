package exactevm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paybridge/facilitator/internal/nonce"
	"github.com/paybridge/facilitator/internal/x402"
)

// maxNonceRetries bounds the "nonce too low" / "replacement transaction
// underpriced" retry loop a single settle call will absorb before
// surfacing the failure to the caller (spec.md 4.2).
const maxNonceRetries = 3

// Settle implements spec.md 4.3's settle steps 1-5.
func (s *Scheme) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	// Step 1: re-run verify.
	outcome, err := s.verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !outcome.response.IsValid {
		return &x402.SettleResponse{Success: false, ErrorReason: outcome.response.InvalidReason}, nil
	}

	auth := outcome.payload.Authorization
	token := common.HexToAddress(requirements.Asset)
	to := common.HexToAddress(auth.To)

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonAuthorizationValue}, nil
	}
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := hexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonAuthorizationValue}, nil
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	// Step 2: EIP-6492 deploy-first, if the payer account is not yet
	// deployed and this facilitator has opted into paying for it.
	if wrapped, isWrapped := outcome.signature.(DeployWrappedSignature); isWrapped {
		hasCode, err := s.chain.HasCode(ctx, outcome.from)
		if err != nil {
			return nil, err
		}
		if !hasCode {
			deployNonce, err := s.nonces.Next(ctx, s.network, s.signerAddr)
			if err != nil {
				return nil, err
			}
			deployTx, err := s.chain.SendRawCall(ctx, s.signer, wrapped.Factory, wrapped.FactoryData, deployNonce)
			if err != nil {
				return nil, err
			}
			if _, err := s.chain.WaitForTransactionReceipt(ctx, deployTx); err != nil {
				return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonInvalidTransactionState}, nil
			}
		}
	}

	// Step 3: decode signature length and call the matching overload,
	// absorbing "nonce too low" (re-query) and "replacement transaction
	// underpriced" (retransmit at the same nonce) locally. The chain
	// client bumps the gas price itself when it sees the same (to,
	// nonce) slot retransmitted, so calling send again with the same
	// txNonce is sufficient to satisfy the replacement fee requirement.
	send := func(txNonce uint64) (common.Hash, error) {
		switch sig := outcome.signature.(type) {
		case ECDSASignature:
			v := sig.V
			if v < 27 {
				v += 27
			}
			return s.chain.TransferWithAuthorizationVRS(ctx, s.signer, token, outcome.from, to, value, validAfter, validBefore, nonce32, v, sig.R, sig.S, txNonce)
		case ContractSignature:
			return s.chain.TransferWithAuthorizationBytes(ctx, s.signer, token, outcome.from, to, value, validAfter, validBefore, nonce32, sig.Raw, txNonce)
		case DeployWrappedSignature:
			return s.chain.TransferWithAuthorizationBytes(ctx, s.signer, token, outcome.from, to, value, validAfter, validBefore, nonce32, sig.InnerSignature, txNonce)
		default:
			return common.Hash{}, nil
		}
	}

	txNonce, err := s.nonces.Next(ctx, s.network, s.signerAddr)
	if err != nil {
		return nil, err
	}

	var txHash common.Hash
	for attempt := 0; ; attempt++ {
		txHash, err = send(txNonce)
		if err == nil {
			break
		}
		if attempt >= maxNonceRetries {
			return nil, err
		}
		switch {
		case nonce.IsNonceTooLow(err):
			s.nonces.ReportTooLow(s.network, s.signerAddr)
			txNonce, err = s.nonces.Next(ctx, s.network, s.signerAddr)
			if err != nil {
				return nil, err
			}
		case nonce.IsReplacementUnderpriced(err):
			s.nonces.ReportUnderpriced(s.network, s.signerAddr, txNonce)
		default:
			return nil, err
		}
	}

	// Step 4: wait for receipt.
	receipt, err := s.chain.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != 1 {
		return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonTransactionFailed}, nil
	}

	// Step 5: report success.
	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash.Hex(),
		Network:     s.network,
		Payer:       outcome.from.Hex(),
	}, nil
}
