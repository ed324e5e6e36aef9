package falkon

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/Akatsuki96/falkon/blocked"
	"github.com/Akatsuki96/falkon/centers"
	"github.com/Akatsuki96/falkon/common"
	"github.com/Akatsuki96/falkon/kernel"
)

// Model is a fitted kernel ridge regressor: the landmark set, the
// coefficients over the landmarks, and the kernel and regularization
// they were fitted with. A Model is immutable and safe for concurrent
// prediction.
type Model struct {
	kern      kernel.Kernel
	lambda    float64
	landmarks *centers.Landmarks
	coeffs    *mat.Dense
	cfg       blocked.Config
	report    Report
}

// Kernel returns the kernel the model was fitted with.
func (m *Model) Kernel() kernel.Kernel { return m.kern }

// Lambda returns the regularization parameter.
func (m *Model) Lambda() float64 { return m.lambda }

// Landmarks returns the fitted landmark set. Read-only.
func (m *Model) Landmarks() *centers.Landmarks { return m.landmarks }

// Coefficients returns the M x T coefficient matrix. Read-only.
func (m *Model) Coefficients() mat.Matrix { return m.coeffs }

// Report returns the convergence metadata of the fit.
func (m *Model) Report() Report { return m.report }

// InputDim returns the point dimension D the model expects.
func (m *Model) InputDim() int { return m.landmarks.Dim() }

// OutputDim returns the number of outputs per point.
func (m *Model) OutputDim() int {
	_, t := m.coeffs.Dims()
	return t
}

// Predict computes predictions for the P x D point matrix as the cross
// kernel block against the stored landmarks times the coefficients,
// block by block under the same memory budget as the fit. Returns a
// P x T matrix.
func (m *Model) Predict(points mat.Matrix) (*mat.Dense, error) {
	if m.coeffs == nil || m.landmarks == nil {
		return nil, common.NotFitted
	}
	if points == nil {
		return nil, common.NoData
	}
	p, d := points.Dims()
	if p == 0 {
		return nil, common.NoData
	}
	if d != m.landmarks.Dim() {
		return nil, &common.DimensionMismatchError{Expected: m.landmarks.Dim(), Found: d}
	}
	sched, err := blocked.NewScheduler(m.kern, denseOf(points), m.landmarks.Points(), m.cfg)
	if err != nil {
		return nil, err
	}
	_, t := m.coeffs.Dims()
	out := mat.NewDense(p, t, nil)
	sched.Mul(out, m.coeffs)
	return out, nil
}

// modelMarshal is the persisted layout: kernel family and parameters,
// regularization, landmark points and coefficients. A round-trip load
// reproduces identical predictions.
type modelMarshal struct {
	Kernel       string          `json:"kernel"`
	Params       json.RawMessage `json:"params"`
	Lambda       float64         `json:"lambda"`
	Landmarks    int             `json:"landmarks"`
	Dim          int             `json:"dim"`
	Outputs      int             `json:"outputs"`
	Points       []float64       `json:"points"`
	Coefficients []float64       `json:"coefficients"`
}

func (m *Model) MarshalJSON() ([]byte, error) {
	if m.coeffs == nil || m.landmarks == nil {
		return nil, common.NotFitted
	}
	params, err := json.Marshal(m.kern)
	if err != nil {
		return nil, err
	}
	mm, t := m.coeffs.Dims()
	d := m.landmarks.Dim()
	return json.Marshal(modelMarshal{
		Kernel:       m.kern.Kind(),
		Params:       params,
		Lambda:       m.lambda,
		Landmarks:    mm,
		Dim:          d,
		Outputs:      t,
		Points:       rawData(m.landmarks.Points()),
		Coefficients: rawData(m.coeffs),
	})
}

func (m *Model) UnmarshalJSON(data []byte) error {
	var mm modelMarshal
	if err := json.Unmarshal(data, &mm); err != nil {
		return err
	}
	k, err := kernel.Decode(mm.Kernel, mm.Params)
	if err != nil {
		return err
	}
	if mm.Landmarks <= 0 || mm.Dim <= 0 || mm.Outputs <= 0 {
		return common.NoData
	}
	if len(mm.Points) != mm.Landmarks*mm.Dim || len(mm.Coefficients) != mm.Landmarks*mm.Outputs {
		return common.NoData
	}
	m.kern = k
	m.lambda = mm.Lambda
	m.landmarks = centers.Restore(mat.NewDense(mm.Landmarks, mm.Dim, mm.Points))
	m.coeffs = mat.NewDense(mm.Landmarks, mm.Outputs, mm.Coefficients)
	m.cfg = blocked.Config{}
	m.report = Report{}
	return nil
}

// rawData flattens a dense matrix into a fresh row-major slice.
func rawData(d *mat.Dense) []float64 {
	rm := d.RawMatrix()
	out := make([]float64, rm.Rows*rm.Cols)
	for i := 0; i < rm.Rows; i++ {
		copy(out[i*rm.Cols:(i+1)*rm.Cols], rm.Data[i*rm.Stride:i*rm.Stride+rm.Cols])
	}
	return out
}
