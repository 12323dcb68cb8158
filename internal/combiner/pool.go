package combiner

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/dsp"
)

// convTask asks one receive-antenna worker to filter every transmit
// antenna history through the model. input is shared read-only between
// workers and must not change until every reply has arrived.
type convTask struct {
	input [][]complex128
	model channel.Model
	n     int
	reply chan<- convResult
}

type convResult struct {
	rx int
	y  []complex128
}

// Pool runs channel convolution with one goroutine per receive antenna.
// Each worker owns its FFT plans, noise source and Doppler phase, so no
// state is shared between workers.
type Pool struct {
	tasks []chan convTask
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts rxAntennas workers.
func NewPool(rxAntennas int, seed uint64) *Pool {
	p := &Pool{tasks: make([]chan convTask, rxAntennas)}
	for rx := range p.tasks {
		ch := make(chan convTask, 4)
		p.tasks[rx] = ch
		p.wg.Add(1)
		go p.work(rx, ch, seed)
	}
	return p
}

// Size reports the number of workers.
func (p *Pool) Size() int { return len(p.tasks) }

// Convolve filters input through m for every receive antenna and returns
// one row of n samples per antenna, path loss and impairments applied.
func (p *Pool) Convolve(input [][]complex128, m channel.Model, n int) [][]complex128 {
	reply := make(chan convResult, len(p.tasks))
	for _, ch := range p.tasks {
		ch <- convTask{input: input, model: m, n: n, reply: reply}
	}
	out := make([][]complex128, len(p.tasks))
	for range p.tasks {
		r := <-reply
		out[r.rx] = r.y
	}
	return out
}

// Close stops the workers and waits for them to exit.
func (p *Pool) Close() {
	p.once.Do(func() {
		for _, ch := range p.tasks {
			close(ch)
		}
		p.wg.Wait()
	})
}

func (p *Pool) work(rx int, tasks <-chan convTask, seed uint64) {
	defer p.wg.Done()
	conv := dsp.NewConvolver()
	gauss := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, uint64(rx)+1)}
	phases := make(map[channel.Model]float64)
	var tmp []complex128

	for t := range tasks {
		y := make([]complex128, t.n)
		for tx, hist := range t.input {
			tmp = conv.Apply(tmp, hist, t.model.ImpulseResponse(tx, rx))
			for i := range y {
				y[i] += tmp[i]
			}
		}

		var noiseAmp, inc float64
		if imp, ok := t.model.(channel.Impairments); ok {
			noiseAmp = imp.NoiseAmplitude()
			inc = imp.DopplerPhaseInc()
		}
		if inc != 0 {
			phase := phases[t.model]
			phase -= 2 * math.Pi * math.Round(phase/(2*math.Pi))
			for i := range y {
				y[i] *= cmplx.Exp(complex(0, phase))
				phase += inc
			}
			phases[t.model] = phase
		}

		loss := dsp.DBToAmplitude(t.model.PathLossDB())
		for i := range y {
			y[i] *= complex(loss, 0)
			if noiseAmp != 0 {
				y[i] += complex(noiseAmp*gauss.Rand(), noiseAmp*gauss.Rand())
			}
		}
		t.reply <- convResult{rx: rx, y: y}
	}
}
