package server

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apierrors "github.com/Aidin1998/custodia/common/errors"
	"github.com/Aidin1998/custodia/internal/asset"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/internal/settlement"
)

type legPayload struct {
	From   string          `json:"from" binding:"required"`
	To     string          `json:"to" binding:"required"`
	Kind   string          `json:"kind" binding:"required"`
	Ticker string          `json:"ticker" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	NFTs   []uint64        `json:"nfts,omitempty"`
}

type legacyLegPayload struct {
	From   string          `json:"from" binding:"required"`
	To     string          `json:"to" binding:"required"`
	Ticker string          `json:"ticker" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

type receiptPayload struct {
	LegID     uint64  `json:"legId"`
	UID       uint64  `json:"uid"`
	Signer    string  `json:"signer" binding:"required"`
	Signature string  `json:"signature" binding:"required"`
	Metadata  *string `json:"metadata,omitempty"`
}

type countPayload struct {
	SenderLegs uint32 `json:"senderLegs"`
	NFTs       uint32 `json:"nfts"`
}

func (p countPayload) toCount() settlement.AffirmationCount {
	return settlement.AffirmationCount{SenderLegs: p.SenderLegs, NFTs: p.NFTs}
}

func (s *Server) badRequest(c *gin.Context, detail string) {
	p := apierrors.NewValidationError(detail, c.Request.URL.Path)
	c.AbortWithStatusJSON(p.Status, p)
}

func (s *Server) pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		s.badRequest(c, "invalid id in path")
		return 0, false
	}
	return id, true
}

func parseLegs(payloads []legPayload) ([]settlement.Leg, error) {
	legs := make([]settlement.Leg, 0, len(payloads))
	for _, p := range payloads {
		from, err := portfolio.Parse(p.From)
		if err != nil {
			return nil, err
		}
		to, err := portfolio.Parse(p.To)
		if err != nil {
			return nil, err
		}
		legs = append(legs, settlement.Leg{
			From:   from,
			To:     to,
			Kind:   settlement.AssetKind(p.Kind),
			Ticker: p.Ticker,
			Amount: p.Amount,
			NFTs:   p.NFTs,
		})
	}
	return legs, nil
}

func parsePortfolios(raw []string) ([]portfolio.PortfolioID, error) {
	out := make([]portfolio.PortfolioID, 0, len(raw))
	for _, r := range raw {
		p, err := portfolio.Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseReceipts(payloads []receiptPayload) ([]settlement.ReceiptDetails, error) {
	out := make([]settlement.ReceiptDetails, 0, len(payloads))
	for _, p := range payloads {
		sig, err := base64.StdEncoding.DecodeString(p.Signature)
		if err != nil {
			return nil, err
		}
		out = append(out, settlement.ReceiptDetails{
			LegID:     settlement.LegID(p.LegID),
			UID:       p.UID,
			Signer:    p.Signer,
			Signature: sig,
			Metadata:  p.Metadata,
		})
	}
	return out, nil
}

// --- identities ---

func (s *Server) registerIdentity(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	did, err := s.identities.Register(c.Request.Context(), req.Account)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"did": did})
}

func (s *Server) linkSecondaryKey(c *gin.Context) {
	var req struct {
		DID        uuid.UUID `json:"did" binding:"required"`
		Account    string    `json:"account" binding:"required"`
		Portfolios []string  `json:"portfolios"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.identities.LinkSecondaryKey(c.Request.Context(), req.DID, req.Account, req.Portfolios); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- portfolios ---

func (s *Server) createPortfolio(c *gin.Context) {
	var req struct {
		Portfolio string `json:"portfolio" binding:"required"`
		Name      string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	id, err := portfolio.Parse(req.Portfolio)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.portfolios.Create(c.Request.Context(), id, req.Name); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) setCustodian(c *gin.Context) {
	var req struct {
		Portfolio string    `json:"portfolio" binding:"required"`
		Custodian uuid.UUID `json:"custodian" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	id, err := portfolio.Parse(req.Portfolio)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.portfolios.SetCustodian(c.Request.Context(), id, req.Custodian); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) creditPortfolio(c *gin.Context) {
	var req struct {
		Portfolio string          `json:"portfolio" binding:"required"`
		Ticker    string          `json:"ticker" binding:"required"`
		Amount    decimal.Decimal `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	id, err := portfolio.Parse(req.Portfolio)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.portfolios.Credit(c.Request.Context(), id, req.Ticker, req.Amount); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) mintNFT(c *gin.Context) {
	var req struct {
		Portfolio string `json:"portfolio" binding:"required"`
		Ticker    string `json:"ticker" binding:"required"`
		NFTID     uint64 `json:"nftId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	id, err := portfolio.Parse(req.Portfolio)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.portfolios.MintNFT(c.Request.Context(), id, req.Ticker, req.NFTID); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- assets ---

func (s *Server) registerAsset(c *gin.Context) {
	var req struct {
		Ticker          string          `json:"ticker" binding:"required"`
		OwnerDID        uuid.UUID       `json:"ownerDid" binding:"required"`
		TotalSupply     decimal.Decimal `json:"totalSupply"`
		MaxOwnershipPct decimal.Decimal `json:"maxOwnershipPct"`
		NonFungible     bool            `json:"nonFungible"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	err := s.assets.Register(c.Request.Context(), asset.Asset{
		Ticker:          req.Ticker,
		OwnerDID:        req.OwnerDID,
		TotalSupply:     req.TotalSupply,
		MaxOwnershipPct: req.MaxOwnershipPct,
		NonFungible:     req.NonFungible,
	})
	if err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) setVenueFiltering(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.SetVenueFiltering(c.Request.Context(), account, c.Param("ticker"), req.Enabled); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) allowVenues(c *gin.Context)    { s.updateVenueList(c, true) }
func (s *Server) disallowVenues(c *gin.Context) { s.updateVenueList(c, false) }

func (s *Server) updateVenueList(c *gin.Context, allow bool) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	var req struct {
		Venues []uint64 `json:"venues" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	venues := make([]settlement.VenueID, len(req.Venues))
	for i, v := range req.Venues {
		venues[i] = settlement.VenueID(v)
	}
	var err error
	if allow {
		err = s.settlements.AllowVenues(c.Request.Context(), account, c.Param("ticker"), venues)
	} else {
		err = s.settlements.DisallowVenues(c.Request.Context(), account, c.Param("ticker"), venues)
	}
	if err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- venues ---

func (s *Server) createVenue(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	var req struct {
		Details string   `json:"details"`
		Signers []string `json:"signers"`
		Type    string   `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	id, err := s.settlements.CreateVenue(c.Request.Context(), account, req.Details, req.Signers, settlement.VenueType(req.Type))
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"venueId": id})
}

func (s *Server) getVenue(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	venue, err := s.settlements.Venue(c.Request.Context(), settlement.VenueID(id))
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, venue)
}

func (s *Server) updateVenueDetails(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		Details string `json:"details"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.UpdateVenueDetails(c.Request.Context(), account, settlement.VenueID(id), req.Details); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateVenueType(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.UpdateVenueType(c.Request.Context(), account, settlement.VenueID(id), settlement.VenueType(req.Type)); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateVenueSigners(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		Signers []string `json:"signers" binding:"required"`
		Add     bool     `json:"add"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.UpdateVenueSigners(c.Request.Context(), account, settlement.VenueID(id), req.Signers, req.Add); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- instructions ---

type settlementPayload struct {
	Kind  string `json:"kind" binding:"required"`
	Block uint64 `json:"block"`
}

func (p settlementPayload) toType() settlement.Type {
	return settlement.Type{Kind: settlement.SettlementKind(p.Kind), Block: p.Block}
}

func (s *Server) addInstruction(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	var req struct {
		VenueID    uint64            `json:"venueId" binding:"required"`
		Settlement settlementPayload `json:"settlement" binding:"required"`
		TradeDate  *uint64           `json:"tradeDate,omitempty"`
		ValueDate  *uint64           `json:"valueDate,omitempty"`
		Legs       []legPayload      `json:"legs" binding:"required"`
		Memo       *string           `json:"memo,omitempty"`
		Affirm     []string          `json:"affirm,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	legs, err := parseLegs(req.Legs)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	var id settlement.InstructionID
	if len(req.Affirm) > 0 {
		portfolios, err := parsePortfolios(req.Affirm)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		id, err = s.settlements.AddAndAffirmInstruction(c.Request.Context(), account,
			settlement.VenueID(req.VenueID), req.Settlement.toType(), req.TradeDate, req.ValueDate, legs, portfolios, req.Memo)
		if err != nil {
			s.problem(c, err)
			return
		}
	} else {
		id, err = s.settlements.AddInstruction(c.Request.Context(), account,
			settlement.VenueID(req.VenueID), req.Settlement.toType(), req.TradeDate, req.ValueDate, legs, req.Memo)
		if err != nil {
			s.problem(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"instructionId": id})
}

func (s *Server) addLegacyInstruction(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	var req struct {
		VenueID    uint64             `json:"venueId" binding:"required"`
		Settlement settlementPayload  `json:"settlement" binding:"required"`
		TradeDate  *uint64            `json:"tradeDate,omitempty"`
		ValueDate  *uint64            `json:"valueDate,omitempty"`
		Legs       []legacyLegPayload `json:"legs" binding:"required"`
		Memo       *string            `json:"memo,omitempty"`
		Affirm     []string           `json:"affirm,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	legs := make([]settlement.FungibleLeg, 0, len(req.Legs))
	for _, l := range req.Legs {
		from, err := portfolio.Parse(l.From)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		to, err := portfolio.Parse(l.To)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		legs = append(legs, settlement.FungibleLeg{From: from, To: to, Ticker: l.Ticker, Amount: l.Amount})
	}
	var id settlement.InstructionID
	var err error
	if len(req.Affirm) > 0 {
		portfolios, perr := parsePortfolios(req.Affirm)
		if perr != nil {
			s.badRequest(c, perr.Error())
			return
		}
		id, err = s.settlements.AddAndAffirmFungibleInstruction(c.Request.Context(), account,
			settlement.VenueID(req.VenueID), req.Settlement.toType(), req.TradeDate, req.ValueDate, legs, portfolios, req.Memo)
	} else {
		id, err = s.settlements.AddFungibleInstruction(c.Request.Context(), account,
			settlement.VenueID(req.VenueID), req.Settlement.toType(), req.TradeDate, req.ValueDate, legs, req.Memo)
	}
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instructionId": id})
}

func (s *Server) getInstruction(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	instruction, err := s.settlements.Instruction(c.Request.Context(), settlement.InstructionID(id))
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, instruction)
}

func (s *Server) getInstructionLegs(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	legs, statuses, err := s.settlements.Legs(c.Request.Context(), settlement.InstructionID(id))
	if err != nil {
		s.problem(c, err)
		return
	}
	out := make([]gin.H, len(legs))
	for i, l := range legs {
		out[i] = gin.H{
			"legId":  i,
			"from":   l.From.String(),
			"to":     l.To.String(),
			"kind":   l.Kind,
			"ticker": l.Ticker,
			"amount": l.Amount,
			"nfts":   l.NFTs,
			"status": statuses[i].Kind,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) affirmInstruction(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		Portfolios []string         `json:"portfolios" binding:"required"`
		Receipts   []receiptPayload `json:"receipts,omitempty"`
		Count      countPayload     `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	portfolios, err := parsePortfolios(req.Portfolios)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if len(req.Receipts) > 0 {
		receipts, rerr := parseReceipts(req.Receipts)
		if rerr != nil {
			s.badRequest(c, rerr.Error())
			return
		}
		err = s.settlements.AffirmWithReceipts(c.Request.Context(), account, settlement.InstructionID(id), portfolios, receipts, req.Count.toCount())
	} else {
		err = s.settlements.Affirm(c.Request.Context(), account, settlement.InstructionID(id), portfolios, req.Count.toCount())
	}
	if err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) withdrawAffirmation(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		Portfolios []string     `json:"portfolios" binding:"required"`
		Count      countPayload `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	portfolios, err := parsePortfolios(req.Portfolios)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.WithdrawAffirmation(c.Request.Context(), account, settlement.InstructionID(id), portfolios, req.Count.toCount()); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rejectInstruction(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		LegCount uint32 `json:"legCount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.RejectInstruction(c.Request.Context(), account, settlement.InstructionID(id), req.LegCount); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) executeManual(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req struct {
		Portfolio *string      `json:"portfolio,omitempty"`
		Count     countPayload `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	var p *portfolio.PortfolioID
	if req.Portfolio != nil {
		parsed, err := portfolio.Parse(*req.Portfolio)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		p = &parsed
	}
	if err := s.settlements.ExecuteManualInstruction(c.Request.Context(), account, settlement.InstructionID(id), p, req.Count.toCount()); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rescheduleInstruction(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.settlements.RescheduleInstruction(c.Request.Context(), account, settlement.InstructionID(id)); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) changeReceiptValidity(c *gin.Context) {
	account, ok := s.account(c)
	if !ok {
		return
	}
	var req struct {
		UID   uint64 `json:"uid"`
		Valid bool   `json:"valid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.settlements.ChangeReceiptValidity(c.Request.Context(), account, req.UID, req.Valid); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
