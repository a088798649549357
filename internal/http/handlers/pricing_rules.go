package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/pricing"
)

// encodeMultipliers serializes the power-level override map for storage.
func encodeMultipliers(multipliers map[string]float64) (datatypes.JSON, error) {
	encoded, errMarshal := json.Marshal(multipliers)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(encoded), nil
}

// PricingRulesHandler manages the versioned pricing rule set.
type PricingRulesHandler struct {
	db       *gorm.DB
	snapshot *pricing.RuleSnapshot
}

// NewPricingRulesHandler constructs a PricingRulesHandler.
func NewPricingRulesHandler(db *gorm.DB, snapshot *pricing.RuleSnapshot) *PricingRulesHandler {
	return &PricingRulesHandler{db: db, snapshot: snapshot}
}

// List returns all pricing rules, disabled historical versions included.
func (h *PricingRulesHandler) List(c *gin.Context) {
	var rules []models.PricingRule
	if errFind := h.db.WithContext(c.Request.Context()).
		Order("id ASC").
		Find(&rules).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query rules failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// createRuleRequest defines the rule creation body. Supplying replaces_id
// supersedes an existing rule: the old row is disabled, never edited, so
// historical debits keep a valid snapshot reference.
type createRuleRequest struct {
	Scope                      string             `json:"scope"`
	Provider                   string             `json:"provider"`
	Tier                       string             `json:"tier"`
	MarkupType                 string             `json:"markup_type"`
	MarkupValue                float64            `json:"markup_value"`
	PowerLevelMultipliers      map[string]float64 `json:"power_level_multipliers"`
	InputPricePer1KMicros      int64              `json:"input_price_per_1k_micros"`
	OutputPricePer1KMicros     int64              `json:"output_price_per_1k_micros"`
	FreeMonthlyAllowanceMicros int64              `json:"free_monthly_allowance_micros"`
	ReplacesID                 uint64             `json:"replaces_id"`
}

// Create inserts a new pricing rule version and refreshes the snapshot so
// the change takes effect without waiting for the periodic reload.
func (h *PricingRulesHandler) Create(c *gin.Context) {
	var body createRuleRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	scope := models.RuleScope(body.Scope)
	if scope != models.ScopePlatform && scope != models.ScopeBYOK {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be platform or byok"})
		return
	}
	if _, errMarkup := pricing.NewMarkup(models.MarkupType(body.MarkupType), body.MarkupValue); errMarkup != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMarkup.Error()})
		return
	}

	rule := models.PricingRule{
		Scope:                      scope,
		Provider:                   body.Provider,
		Tier:                       body.Tier,
		MarkupType:                 models.MarkupType(body.MarkupType),
		MarkupValue:                body.MarkupValue,
		InputPricePer1KMicros:      body.InputPricePer1KMicros,
		OutputPricePer1KMicros:     body.OutputPricePer1KMicros,
		FreeMonthlyAllowanceMicros: body.FreeMonthlyAllowanceMicros,
		IsEnabled:                  true,
		ActiveFrom:                 time.Now().UTC(),
	}
	if len(body.PowerLevelMultipliers) > 0 {
		encoded, errEncode := encodeMultipliers(body.PowerLevelMultipliers)
		if errEncode != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid power_level_multipliers"})
			return
		}
		rule.PowerLevelMultipliers = encoded
	}

	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if body.ReplacesID != 0 {
			res := tx.Model(&models.PricingRule{}).
				Where("id = ? AND is_enabled = ?", body.ReplacesID, true).
				Update("is_enabled", false)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		return tx.Create(&rule).Error
	})
	if errTx != nil {
		if errors.Is(errTx, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "replaced rule not found or already superseded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create rule failed"})
		return
	}

	if errRefresh := h.snapshot.Refresh(c.Request.Context()); errRefresh != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rule created but snapshot refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}
