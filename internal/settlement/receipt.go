package settlement

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/pkg/metrics"
)

// receiptDigest is the message a receipt signer commits to: the receipt
// uid, both portfolios, the ticker and the amount, hashed with blake2b.
// Amount uses its canonical decimal string so the digest is independent of
// internal representation.
func receiptDigest(uid uint64, from, to portfolio.PortfolioID, ticker, amount string) []byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uid)
	h.Write(buf[:])
	h.Write([]byte(from.String()))
	h.Write([]byte{0})
	h.Write([]byte(to.String()))
	h.Write([]byte{0})
	h.Write([]byte(ticker))
	h.Write([]byte{0})
	h.Write([]byte(amount))
	return h.Sum(nil)
}

// SignReceipt produces the signature an authorized venue signer attaches
// to an off-ledger receipt. Exposed for clients and tests.
func SignReceipt(priv ed25519.PrivateKey, uid uint64, from, to portfolio.PortfolioID, ticker, amount string) []byte {
	return ed25519.Sign(priv, receiptDigest(uid, from, to, ticker, amount))
}

// verifyReceiptSignature checks the signature against the signer, which is
// the hex encoding of the signer's ed25519 public key.
func verifyReceiptSignature(signer string, sig []byte, uid uint64, from, to portfolio.PortfolioID, ticker, amount string) bool {
	pub, err := hex.DecodeString(signer)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), receiptDigest(uid, from, to, ticker, amount), sig)
}

// SignerID returns the signer string for an ed25519 public key.
func SignerID(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// receiptUsed reports whether the (signer, uid) pair is already spent.
func (s *Service) receiptUsed(tx *gorm.DB, signer string, uid uint64) (bool, error) {
	var row receiptRow
	err := tx.Where("signer = ? AND uid = ?", signer, uid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) claimReceipt(tx *gorm.DB, signer string, uid uint64, metadata *string) error {
	return tx.Create(&receiptRow{Signer: signer, UID: uid, Metadata: metadata}).Error
}

func (s *Service) unclaimReceipt(tx *gorm.DB, signer string, uid uint64) error {
	return tx.Where("signer = ? AND uid = ?", signer, uid).Delete(&receiptRow{}).Error
}

// ChangeReceiptValidity lets a signer mark one of its receipt identifiers
// as spent before anyone claims it, or make a pre-spent identifier usable
// again. The caller account is the signer.
func (s *Service) ChangeReceiptValidity(ctx context.Context, signer string, uid uint64, valid bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		used, err := s.receiptUsed(tx, signer, uid)
		if err != nil {
			return err
		}
		if valid {
			if !used {
				return ErrReceiptNotClaimed
			}
			return s.unclaimReceipt(tx, signer, uid)
		}
		if used {
			return ErrReceiptAlreadyClaimed
		}
		return s.claimReceipt(tx, signer, uid, nil)
	})
	if err != nil {
		return err
	}
	s.logger.Info("receipt validity changed",
		zap.String("signer", signer), zap.Uint64("uid", uid), zap.Bool("valid", valid))
	s.publish(ctx, events.TopicReceipts, events.TypeReceiptValidityChanged, events.ReceiptValidityChanged{
		Signer: signer, ReceiptUID: uid, Valid: valid,
	})
	metrics.ReceiptsClaimed.WithLabelValues("validity_changed").Inc()
	return nil
}
