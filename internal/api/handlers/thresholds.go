// Package handlers contains the HTTP handlers of the climdex API.
//
// Threshold endpoints:
//   - POST /v1/thresholds/describe        build, resolve and describe one threshold
//   - POST /v1/thresholds/describe-batch  the same for up to maxBatchSize thresholds
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"climdex/internal/catalog"
	"climdex/internal/core"
	"climdex/internal/frequency"
	"climdex/internal/resolve"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

const maxBatchSize = 100

// ThresholdResolver is the subset of resolve.Service the handler needs.
type ThresholdResolver interface {
	Resolve(ctx context.Context, req resolve.Request) (resolve.Result, error)
	ResolveBatch(ctx context.Context, reqs []resolve.Request) (*resolve.BatchResult, error)
}

// CatalogReader is the subset of *catalog.Catalog the handlers need.
type CatalogReader interface {
	Entries() []catalog.Entry
	Get(name string) (catalog.Entry, error)
	Build(ctx context.Context, name string, opts ...threshold.Option) (*threshold.Threshold, error)
}

// ThresholdParams are explicit construction parameters. Value may be a number,
// a list of numbers or a dataset reference string.
type ThresholdParams struct {
	Operator           string   `json:"operator" validate:"required"`
	Value              any      `json:"value"`
	Unit               string   `json:"unit,omitempty" validate:"unit"`
	ThresholdVarName   string   `json:"threshold_var_name,omitempty"`
	ClimatologyBounds  []string `json:"climatology_bounds,omitempty" validate:"omitempty,len=2"`
	Window             int      `json:"window,omitempty" validate:"gte=0,lte=366"`
	OnlyLeapYears      bool     `json:"only_leap_years,omitempty"`
	Interpolation      string   `json:"interpolation,omitempty" validate:"interpolation"`
	BasePeriod         []string `json:"base_period,omitempty" validate:"omitempty,len=2"`
	ThresholdMinValue  string   `json:"threshold_min_value,omitempty"`
	AdditionalMetadata []string `json:"additional_metadata,omitempty" validate:"max=20"`
}

func (p ThresholdParams) toParams() threshold.Params {
	out := threshold.Params{
		Operator:           p.Operator,
		Value:              p.Value,
		Unit:               p.Unit,
		ThresholdVarName:   p.ThresholdVarName,
		ClimatologyBounds:  p.ClimatologyBounds,
		Window:             p.Window,
		OnlyLeapYears:      p.OnlyLeapYears,
		Interpolation:      p.Interpolation,
		BasePeriod:         p.BasePeriod,
		AdditionalMetadata: p.AdditionalMetadata,
	}
	if p.ThresholdMinValue != "" {
		out.ThresholdMinValue = p.ThresholdMinValue
	}
	return out
}

// DescribeRequest names a threshold in exactly one way: a query string, a
// catalog entry or explicit params. DatasetRef and Variable supply the
// reference data of percentile thresholds.
type DescribeRequest struct {
	ID         string           `json:"id,omitempty" validate:"max=64"`
	Query      string           `json:"query,omitempty" validate:"max=512"`
	Catalog    string           `json:"catalog,omitempty" validate:"max=64"`
	Params     *ThresholdParams `json:"params,omitempty"`
	Frequency  string           `json:"frequency,omitempty" validate:"frequency"`
	DatasetRef string           `json:"dataset_ref,omitempty" validate:"max=1024"`
	Variable   string           `json:"variable,omitempty" validate:"max=128"`
	Async      bool             `json:"async,omitempty"`
}

// BatchDescribeRequest is the body of POST /v1/thresholds/describe-batch.
type BatchDescribeRequest struct {
	Items []DescribeRequest `json:"items" validate:"required,min=1,dive"`
}

// ThresholdView is the public description of a threshold.
type ThresholdView struct {
	Threshold   string              `json:"threshold"`
	Kind        types.ValueKind     `json:"kind"`
	Operator    threshold.Operator  `json:"operator"`
	Unit        string              `json:"unit,omitempty"`
	Deferred    bool                `json:"deferred"`
	Source      string              `json:"source,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	JobID       string              `json:"job_id,omitempty"`
	Metadata    *threshold.Metadata `json:"metadata,omitempty"`
}

// BatchDescribeResponse keys results and errors by item ID.
type BatchDescribeResponse struct {
	Results map[string]ThresholdView    `json:"results"`
	Errors  map[string]core.ErrorDetail `json:"errors,omitempty"`
}

// ThresholdHandler builds thresholds from requests and describes them.
type ThresholdHandler struct {
	resolver  ThresholdResolver
	catalog   CatalogReader
	opts      []threshold.Option
	validator *core.Validator
	logger    *slog.Logger
}

// NewThresholdHandler creates a ThresholdHandler. opts are applied to every
// threshold the handler builds (dataset opener, defaults, strict operator).
func NewThresholdHandler(
	resolver ThresholdResolver,
	cat CatalogReader,
	val *core.Validator,
	logger *slog.Logger,
	opts ...threshold.Option,
) *ThresholdHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cat == nil {
		cat = catalog.Empty()
	}
	return &ThresholdHandler{
		resolver:  resolver,
		catalog:   cat,
		opts:      opts,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the threshold endpoints.
func (h *ThresholdHandler) RegisterRoutes(r chi.Router) {
	r.Post("/describe", h.HandleDescribe)
	r.Post("/describe-batch", h.HandleDescribeBatch)
}

// HandleDescribe handles POST /v1/thresholds/describe. A percentile threshold
// handed to the worker answers 202 with the job ID and no metadata.
func (h *ThresholdHandler) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	var req DescribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	freq, resolveReq, err := h.prepare(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.resolver.Resolve(r.Context(), resolveReq)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	view, err := describe(res, freq)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusOK
	if view.Deferred {
		status = http.StatusAccepted
	}
	core.JSON(w, r, status, core.APIResponse{Data: view})
}

// HandleDescribeBatch handles POST /v1/thresholds/describe-batch. Items fail
// independently; the response is 200 whenever the body itself is valid.
func (h *ThresholdHandler) HandleDescribeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchDescribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if len(req.Items) > maxBatchSize {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidQuery,
			fmt.Sprintf("a batch holds at most %d items", maxBatchSize),
			nil,
			map[string]any{"items": len(req.Items), "max": maxBatchSize},
		))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	requestID := types.GetRequestID(r.Context())
	out := BatchDescribeResponse{
		Results: make(map[string]ThresholdView, len(req.Items)),
		Errors:  map[string]core.ErrorDetail{},
	}
	freqs := make(map[string]frequency.Frequency, len(req.Items))
	reqs := make([]resolve.Request, 0, len(req.Items))

	for i, item := range req.Items {
		if item.ID == "" {
			item.ID = strconv.Itoa(i)
		}
		freq, rr, err := h.prepare(r.Context(), item)
		if err != nil {
			out.Errors[item.ID] = errorDetail(err, requestID)
			continue
		}
		freqs[item.ID] = freq
		reqs = append(reqs, rr)
	}

	if len(reqs) > 0 {
		batch, err := h.resolver.ResolveBatch(r.Context(), reqs)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		for id, appErr := range batch.Errors {
			out.Errors[id] = errorDetail(appErr, requestID)
		}
		for id, res := range batch.Results {
			view, err := describe(res, freqs[id])
			if err != nil {
				out.Errors[id] = errorDetail(err, requestID)
				continue
			}
			out.Results[id] = view
		}
	}

	if len(out.Errors) == 0 {
		out.Errors = nil
	}
	count := len(out.Results)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out, Meta: &core.ResponseMeta{Count: &count}})
}

// prepare builds the threshold named by req and the frequency it is described
// at (day when unset).
func (h *ThresholdHandler) prepare(ctx context.Context, req DescribeRequest) (frequency.Frequency, resolve.Request, error) {
	freq := frequency.Day
	if req.Frequency != "" {
		f, err := frequency.Lookup(req.Frequency)
		if err != nil {
			return frequency.Frequency{}, resolve.Request{}, err
		}
		freq = f
	}

	t, err := h.build(ctx, req)
	if err != nil {
		return frequency.Frequency{}, resolve.Request{}, err
	}

	return freq, resolve.Request{
		ID:         req.ID,
		Threshold:  t,
		DatasetRef: req.DatasetRef,
		Variable:   req.Variable,
		Async:      req.Async,
	}, nil
}

func (h *ThresholdHandler) build(ctx context.Context, req DescribeRequest) (*threshold.Threshold, error) {
	set := 0
	for _, given := range []bool{req.Query != "", req.Catalog != "", req.Params != nil} {
		if given {
			set++
		}
	}
	if set != 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuery,
			"exactly one of query, catalog or params must be given", nil)
	}

	switch {
	case req.Query != "":
		return threshold.Parse(ctx, req.Query, h.opts...)
	case req.Catalog != "":
		return h.catalog.Build(ctx, req.Catalog, h.opts...)
	default:
		return threshold.New(ctx, req.Params.toParams(), h.opts...)
	}
}

// describe renders a resolution result. Metadata is left out while the
// threshold is still deferred.
func describe(res resolve.Result, freq frequency.Frequency) (ThresholdView, error) {
	t := res.Threshold
	view := ThresholdView{
		Threshold:   t.String(),
		Kind:        t.Value().Kind(),
		Operator:    t.Operator(),
		Deferred:    t.IsDeferred(),
		Source:      string(res.Source),
		Fingerprint: res.Fingerprint,
		JobID:       res.JobID,
	}
	if unit, ok := t.Unit(); ok {
		view.Unit = unit
	}
	if view.Deferred {
		return view, nil
	}
	md, err := t.Metadata(freq)
	if err != nil {
		return ThresholdView{}, err
	}
	view.Metadata = &md
	return view, nil
}

// errorDetail converts err into the error shape used inside batch responses.
func errorDetail(err error, requestID string) core.ErrorDetail {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return core.ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		}
	}
	return core.ErrorDetail{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: requestID,
	}
}
