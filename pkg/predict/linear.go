package predict

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// trainParams control model fitting.
type trainParams struct {
	l2            float64
	maxIterations int
	gradTol       float64
}

var defaultTrainParams = trainParams{l2: 0.01, maxIterations: 200, gradTol: 1e-6}

// scaler standardizes features to zero mean and unit variance.
type scaler struct {
	mean []float64
	std  []float64
}

func fitScaler(x *mat.Dense) scaler {
	_, d := x.Dims()
	s := scaler{mean: make([]float64, d), std: make([]float64, d)}
	for j := range d {
		s.mean[j], s.std[j] = stat.MeanStdDev(mat.Col(nil, j, x), nil)
		// Constant columns (and NaN from a single row) pass through unscaled.
		if !(s.std[j] > 1e-12) {
			s.std[j] = 1
		}
	}
	return s
}

func (s scaler) transform(x []float64) ([]float64, error) {
	if len(x) != len(s.mean) {
		return nil, fmt.Errorf("feature dimension %d, model expects %d", len(x), len(s.mean))
	}
	out := make([]float64, len(x))
	floats.SubTo(out, x, s.mean)
	floats.Div(out, s.std)
	return out, nil
}

func (s scaler) transformAll(x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	z := mat.NewDense(n, d, nil)
	z.Apply(func(_, j int, v float64) float64 {
		return (v - s.mean[j]) / s.std[j]
	}, x)
	return z
}

// linearModel is y = w·scale(x) + b, optionally passed through a sigmoid.
type linearModel struct {
	scaler   scaler
	weights  []float64
	bias     float64
	logistic bool
}

func (m *linearModel) predict(x []float64) (float64, error) {
	z, err := m.scaler.transform(x)
	if err != nil {
		return 0, err
	}
	y := floats.Dot(m.weights, z) + m.bias
	if m.logistic {
		y = sigmoid(y)
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, errors.New("non-finite prediction")
	}
	return y, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// softplus is log(1+e^z) without overflow for large z.
func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

// fitLinear trains a ridge model, or an L2 regularized logistic model when
// logistic is set, on standardized features.
func fitLinear(rows [][]float64, targets []float64, logistic bool, p trainParams) (*linearModel, error) {
	if len(rows) == 0 || len(rows) != len(targets) {
		return nil, fmt.Errorf("have %d rows and %d targets", len(rows), len(targets))
	}
	d := len(rows[0])
	if d == 0 {
		return nil, errors.New("rows have no features")
	}
	x := mat.NewDense(len(rows), d, nil)
	for i, r := range rows {
		if len(r) != d {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(r), d)
		}
		x.SetRow(i, r)
	}

	sc := fitScaler(x)
	z := sc.transformAll(x)
	y := mat.NewVecDense(len(targets), targets)

	var (
		m   *linearModel
		err error
	)
	if logistic {
		m, err = fitLogistic(z, y, p)
	} else {
		m, err = fitRidge(z, y, p)
	}
	if err != nil {
		return nil, err
	}
	m.scaler = sc

	if floats.HasNaN(m.weights) || math.IsNaN(m.bias) ||
		math.IsInf(floats.Max(m.weights), 0) || math.IsInf(floats.Min(m.weights), 0) || math.IsInf(m.bias, 0) {
		return nil, errors.New("training diverged")
	}
	return m, nil
}

// fitRidge solves (ZᵀZ + nλI)w = Zᵀ(y - ȳ) by Cholesky. Z is centered, so the
// bias is the target mean.
func fitRidge(z *mat.Dense, y *mat.VecDense, p trainParams) (*linearModel, error) {
	n, d := z.Dims()
	bias := mat.Sum(y) / float64(n)

	centered := mat.NewVecDense(n, nil)
	centered.CopyVec(y)
	for i := range n {
		centered.SetVec(i, centered.AtVec(i)-bias)
	}

	gram := mat.NewSymDense(d, nil)
	gram.SymOuterK(1, z.T())
	for j := range d {
		gram.SetSym(j, j, gram.At(j, j)+float64(n)*p.l2)
	}
	var rhs mat.VecDense
	rhs.MulVec(z.T(), centered)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, errors.New("normal equations are not positive definite")
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &rhs); err != nil {
		return nil, fmt.Errorf("solve normal equations: %w", err)
	}
	return &linearModel{weights: mat.Col(nil, 0, &w), bias: bias}, nil
}

// fitLogistic minimizes mean log loss plus λ/2·‖w‖² with L-BFGS. The last
// parameter is the unpenalized bias.
func fitLogistic(z *mat.Dense, y *mat.VecDense, p trainParams) (*linearModel, error) {
	n, d := z.Dims()
	nf := float64(n)

	margins := func(params []float64) *mat.VecDense {
		var out mat.VecDense
		out.MulVec(z, mat.NewVecDense(d, params[:d]))
		for i := range n {
			out.SetVec(i, out.AtVec(i)+params[d])
		}
		return &out
	}

	problem := optimize.Problem{
		Func: func(params []float64) float64 {
			s := margins(params)
			var loss float64
			for i := range n {
				zi := s.AtVec(i)
				loss += softplus(zi) - y.AtVec(i)*zi
			}
			w := params[:d]
			return loss/nf + p.l2/2*floats.Dot(w, w)
		},
		Grad: func(grad, params []float64) {
			s := margins(params)
			resid := mat.NewVecDense(n, nil)
			for i := range n {
				resid.SetVec(i, sigmoid(s.AtVec(i))-y.AtVec(i))
			}
			var gw mat.VecDense
			gw.MulVec(z.T(), resid)
			for j := range d {
				grad[j] = gw.AtVec(j)/nf + p.l2*params[j]
			}
			grad[d] = mat.Sum(resid) / nf
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: p.gradTol,
		MajorIterations:   p.maxIterations,
	}
	res, err := optimize.Minimize(problem, make([]float64, d+1), settings, &optimize.LBFGS{})
	if err != nil {
		return nil, fmt.Errorf("minimize log loss: %w", err)
	}
	return &linearModel{
		weights:  append([]float64(nil), res.X[:d]...),
		bias:     res.X[d],
		logistic: true,
	}, nil
}
