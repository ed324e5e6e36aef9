// Command falkon-demo fits a synthetic two-dimensional regression
// problem with a Gaussian kernel, reports the convergence history of
// the conjugate-gradient solve and writes it out as a plot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Akatsuki96/falkon"
	"github.com/Akatsuki96/falkon/centers"
	"github.com/Akatsuki96/falkon/kernel"
	"github.com/Akatsuki96/falkon/loss"
)

var (
	nTrain    = flag.Int("n", 2000, "number of training points")
	nTest     = flag.Int("test", 500, "number of held-out points")
	landmarks = flag.Int("m", 200, "number of landmarks")
	sigma     = flag.Float64("sigma", 1.0, "Gaussian kernel bandwidth")
	lambda    = flag.Float64("lambda", 1e-6, "regularization")
	seed      = flag.Int64("seed", 0, "landmark selection seed")
	out       = flag.String("out", "residuals.png", "residual history plot")
)

func target(x, y float64) float64 {
	return math.Sin(3*x)*math.Cos(2*y) + 0.5*x
}

func sample(rnd *rand.Rand, n int) (*mat.Dense, *mat.Dense) {
	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		a := rnd.NormFloat64()
		b := rnd.NormFloat64()
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		y.Set(i, 0, target(a, b))
	}
	return x, y
}

func main() {
	flag.Parse()
	rnd := rand.New(rand.NewSource(*seed))

	xTrain, yTrain := sample(rnd, *nTrain)
	xTest, yTest := sample(rnd, *nTest)

	var history plotter.XYs
	cfg := falkon.SolverConfig{
		Monitor: func(output, iter int, _ []float64, residual float64) {
			history = append(history, plotter.XY{X: float64(iter), Y: residual})
			fmt.Printf("output %d iteration %3d: residual %.3e\n", output, iter, residual)
		},
	}

	model, err := falkon.Fit(context.Background(), xTrain, yTrain,
		kernel.Gaussian{Sigma: *sigma}, *lambda, *landmarks,
		centers.Uniform{Seed: *seed}, cfg)
	if err != nil {
		log.Fatalf("fit: %v", err)
	}
	report := model.Report()
	fmt.Printf("terminal state: %v after %d iterations (residual %.3e)\n",
		report.State, report.Iterations, report.Residual)

	pred, err := model.Predict(xTest)
	if err != nil {
		log.Fatalf("predict: %v", err)
	}
	fmt.Printf("held-out mse: %.6e\n", loss.MSE(pred, yTest))

	p := plot.New()
	p.Title.Text = "Conjugate-gradient convergence"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "relative residual"
	p.Y.Scale = plot.LogScale{}
	line, err := plotter.NewLine(history)
	if err != nil {
		log.Fatalf("plot: %v", err)
	}
	p.Add(line, plotter.NewGrid())
	if err := p.Save(6*vg.Inch, 4*vg.Inch, *out); err != nil {
		log.Fatalf("save plot: %v", err)
	}
	fmt.Printf("wrote %s\n", *out)
}
