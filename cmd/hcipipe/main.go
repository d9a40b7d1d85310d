package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"hcipipe/pkg/config"
	"hcipipe/pkg/cube"
	"hcipipe/pkg/inject"
	"hcipipe/pkg/pipeline"
	"hcipipe/pkg/psf"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "hcipipe.yaml", "Pipeline configuration file (defaults apply when missing)")
	initConfig := flag.Bool("init-config", false, "Write the default configuration file and exit")
	frames := flag.Int("frames", 50, "Number of frames in the synthetic cube")
	size := flag.Int("size", 100, "Frame side length in pixels")
	sep := flag.Float64("sep", 20, "Companion separation from center in pixels")
	pa := flag.Float64("pa", 40, "Companion position angle in degrees")
	flux := flag.Float64("flux", 100, "Companion peak flux")
	span := flag.Float64("span", 90, "Total field rotation in degrees")
	noise := flag.Float64("noise", 0, "Gaussian background noise sigma")
	seed := flag.Uint64("seed", 1, "Random seed for the synthetic scene")
	cores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config file: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *frames < 2 || *size < 16 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	cfg.Processing.Workers = *cores

	level := slog.LevelInfo
	if !cfg.Processing.Verbose {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Println("================================")
	fmt.Println("HIGH-CONTRAST IMAGING POST-PROCESSING PIPELINE")
	fmt.Println("Low-rank halo subtraction, detection mapping and companion refinement")
	fmt.Println("================================")

	// Build the synthetic observation
	fmt.Printf("Building synthetic scene: %d frames of %dx%d px, companion flux %.1f at r=%.1f px, PA=%.1f deg, %.0f deg rotation\n",
		*frames, *size, *size, *flux, *sep, *pa, *span)
	tplSize := 2*int(math.Ceil(2*cfg.Detection.FWHM)) + 1
	tpl := psf.Gaussian(tplSize, cfg.Detection.FWHM)
	scene, err := buildScene(*frames, *size, *span, *noise, *seed, tpl, *sep, *pa, *flux)
	if err != nil {
		log.Fatalf("Failed to build synthetic scene: %v", err)
	}

	pcfg, err := pipeline.FromConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}
	pcfg.Logger = logger
	runner, err := pipeline.New(pcfg)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	// Run the post-processing pipeline
	fmt.Printf("Starting %s post-processing with %d cores...\n", cfg.Processing.Algorithm, *cores)
	startTime := time.Now()
	res, err := runner.Run(context.Background(), scene)
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nPipeline completed in %.2f seconds\n\n", processingTime.Seconds())

	if res.Report != nil {
		fmt.Printf("Subtraction report:\n")
		fmt.Printf("===================\n")
		fmt.Printf("Mode: %s\n", res.Report.Mode)
		fmt.Printf("Rank: %d requested, %d effective\n", res.Report.RequestedRank, res.Report.EffectiveRank)
		if res.Report.Degraded {
			fmt.Printf("Warning: rank degraded by reference availability\n")
		}
		if res.Report.RelaxedBases > 0 {
			fmt.Printf("Warning: %d bases relaxed their rotation exclusion\n", res.Report.RelaxedBases)
		}
	}
	if res.Decomposition != nil {
		fmt.Printf("Decomposition report:\n")
		fmt.Printf("=====================\n")
		fmt.Printf("Patches: %d\n", len(res.Decomposition.Patches))
		fmt.Printf("Converged: %v\n", res.Decomposition.Converged)
	}

	cx, cy := scene.Center()
	fmt.Printf("\nDetections above %.1f sigma: %d\n", cfg.Detection.ThresholdSigma, len(res.Candidates))
	for i, c := range res.Candidates {
		fmt.Printf("%2d. (x=%6.2f, y=%6.2f)  sep=%6.2f px  PA=%7.2f deg  S/N=%6.2f  flux=%.2f\n",
			i+1, c.X, c.Y, c.Sep, c.PA, c.SNR, c.Flux)
	}
	if len(res.Candidates) == 0 {
		fmt.Println("No candidates found; nothing to refine.")
		return
	}

	// Refine the strongest candidate
	top := res.Candidates[0]
	fmt.Printf("\nRefining top candidate with the %s strategy...\n", cfg.Refinement.Strategy)
	startTime = time.Now()
	ref, err := runner.Refine(context.Background(), scene, tpl, top)
	if err != nil {
		log.Fatalf("Refinement failed: %v", err)
	}
	refineTime := time.Since(startTime)

	best := ref.Best()
	fmt.Printf("\nRefinement results (%d evaluations in %.2f seconds):\n", ref.Evaluations, refineTime.Seconds())
	fmt.Printf("=====================================\n")
	fmt.Printf("Separation: %.3f px  [%.3f, %.3f]\n", best.Sep, ref.Sep.Lo, ref.Sep.Hi)
	fmt.Printf("Position angle: %.3f deg  [%.3f, %.3f]\n", best.PA, ref.PA.Lo, ref.PA.Hi)
	fmt.Printf("Flux: %.3f  [%.3f, %.3f]\n", best.Flux, ref.Flux.Lo, ref.Flux.Hi)
	fmt.Printf("Residual cost: %.6g\n", ref.Cost)
	fmt.Printf("Converged: %v\n", ref.Converged)
	if ref.Tau > 0 {
		fmt.Printf("Autocorrelation time: %.1f steps\n", ref.Tau)
	}

	// Compare against the injected truth
	wantX, wantY := cube.PolarToPix(*sep, *pa, cx, cy)
	gotX, gotY := cube.PolarToPix(best.Sep, best.PA, cx, cy)
	fmt.Println("\nComparison with injected companion:")
	fmt.Printf("- Injected: sep=%.2f px, PA=%.2f deg, flux=%.2f\n", *sep, *pa, *flux)
	fmt.Printf("- Recovered position error: %.3f px\n", math.Hypot(gotX-wantX, gotY-wantY))
	fmt.Printf("- Recovered flux error: %.2f%%\n", 100*math.Abs(best.Flux-*flux) / *flux)

	// Measure detection limits if a contrast grid is configured
	if len(cfg.Contrast.Separations) > 0 {
		fmt.Println("\nMeasuring contrast curve...")
		startTime = time.Now()
		curve, err := runner.ContrastCurve(context.Background(), scene, tpl)
		if err != nil {
			log.Fatalf("Contrast curve failed: %v", err)
		}
		fmt.Printf("Contrast curve (%.2f seconds):\n", time.Since(startTime).Seconds())
		fmt.Printf("==============================\n")
		for _, p := range curve {
			fmt.Printf("r=%6.2f px  min detectable flux=%.3f\n", p.Separation, p.Contrast)
		}
	}
}

// buildScene assembles a rotating synthetic cube: optional Gaussian
// background noise plus one injected companion.
func buildScene(n, size int, span, noise float64, seed uint64, tpl psf.Template, sep, pa, flux float64) (*cube.Cube, error) {
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = span * float64(i) / float64(n-1)
	}
	c, err := cube.New(n, size, size, angles)
	if err != nil {
		return nil, err
	}
	if noise > 0 {
		rng := rand.New(rand.NewSource(int64(seed)))
		for i := 0; i < n; i++ {
			f := c.Frame(i)
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					f.Set(x, y, noise*rng.NormFloat64())
				}
			}
		}
	}
	return inject.Companion(c, tpl, sep, pa, flux)
}
