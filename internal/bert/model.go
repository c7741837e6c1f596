// Package bert implements a BERT encoder with a sequence-classification head
// on top of born's nn building blocks, plus HuggingFace checkpoint IO.
//
// The layout follows BertForSequenceClassification: embeddings (word,
// position, token type) and LayerNorm, a stack of post-norm encoder layers
// (self-attention, GELU feed-forward), a tanh pooler over the [CLS] position
// and a linear classifier. Dropout is omitted; it is the identity at
// inference time and the fine-tuning loop runs without it.
package bert

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// maskedScore is added to attention scores of padding positions.
const maskedScore = -10000

// ForSequenceClassification is a BERT classifier over token ids.
type ForSequenceClassification[B tensor.Backend] struct {
	Config Config

	wordEmb    *nn.Embedding[B]
	posEmb     *nn.Embedding[B]
	typeEmb    *nn.Embedding[B]
	embNorm    *nn.LayerNorm[B]
	layers     []*encoderLayer[B]
	pooler     *nn.Linear[B]
	poolAct    *nn.Tanh[B]
	classifier *nn.Linear[B]
	backend    B
}

type encoderLayer[B tensor.Backend] struct {
	attn         *nn.MultiHeadAttention[B]
	attnNorm     *nn.LayerNorm[B]
	intermediate *nn.Linear[B]
	output       *nn.Linear[B]
	outNorm      *nn.LayerNorm[B]
}

// New builds a randomly initialized classifier (normal(0, initializer_range)
// weights, zero biases, unit LayerNorm) using rng.
func New[B tensor.Backend](cfg Config, rng *rand.Rand, backend B) (*ForSequenceClassification[B], error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	std := float32(cfg.InitializerRange)
	eps := float32(cfg.LayerNormEps)
	h := cfg.HiddenSize

	m := &ForSequenceClassification[B]{
		Config:     cfg,
		wordEmb:    nn.NewEmbeddingWithWeight(normal(tensor.Shape{cfg.VocabSize, h}, std, rng, backend)),
		posEmb:     nn.NewEmbeddingWithWeight(normal(tensor.Shape{cfg.MaxPositionEmbeddings, h}, std, rng, backend)),
		typeEmb:    nn.NewEmbeddingWithWeight(normal(tensor.Shape{cfg.TypeVocabSize, h}, std, rng, backend)),
		embNorm:    nn.NewLayerNorm(h, eps, backend),
		pooler:     newLinear(h, h, std, rng, backend),
		poolAct:    nn.NewTanh[B](),
		classifier: newLinear(h, cfg.NumLabels(), std, rng, backend),
		backend:    backend,
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		attn := nn.NewMultiHeadAttention(h, cfg.NumAttentionHeads, backend)
		for _, lin := range []*nn.Linear[B]{attn.WQ, attn.WK, attn.WV, attn.WO} {
			initLinear(lin, std, rng)
		}
		m.layers = append(m.layers, &encoderLayer[B]{
			attn:         attn,
			attnNorm:     nn.NewLayerNorm(h, eps, backend),
			intermediate: newLinear(h, cfg.IntermediateSize, std, rng, backend),
			output:       newLinear(cfg.IntermediateSize, h, std, rng, backend),
			outNorm:      nn.NewLayerNorm(h, eps, backend),
		})
	}
	return m, nil
}

// Backend returns the backend the weights live on.
func (m *ForSequenceClassification[B]) Backend() B { return m.backend }

// Forward maps [batch, seq] token ids and attention mask to [batch, num_labels] logits.
func (m *ForSequenceClassification[B]) Forward(inputIDs, attentionMask *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	shape := inputIDs.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("bert: input ids must be [batch, seq], got %v", shape))
	}
	batch, seq := shape[0], shape[1]
	if seq > m.Config.MaxPositionEmbeddings {
		panic(fmt.Sprintf("bert: sequence length %d exceeds max_position_embeddings %d", seq, m.Config.MaxPositionEmbeddings))
	}

	x := m.embed(inputIDs, seq)
	mask := extendedMask(attentionMask, batch, seq)
	for _, layer := range m.layers {
		x = layer.forward(x, mask, batch, seq)
	}

	// [CLS] is position 0.
	h := m.Config.HiddenSize
	first := tensor.Zeros[int32](tensor.Shape{batch, 1, h}, m.backend)
	cls := x.Gather(1, first).Reshape(batch, h)
	pooled := m.poolAct.Forward(m.pooler.Forward(cls))
	return m.classifier.Forward(pooled)
}

func (m *ForSequenceClassification[B]) embed(inputIDs *tensor.Tensor[int32, B], seq int) *tensor.Tensor[float32, B] {
	positions := make([]int32, seq)
	for i := range positions {
		positions[i] = int32(i)
	}
	posIDs, err := tensor.FromSlice(positions, tensor.Shape{1, seq}, m.backend)
	if err != nil {
		panic(fmt.Sprintf("bert: position ids: %v", err))
	}
	typeIDs := tensor.Zeros[int32](tensor.Shape{1, seq}, m.backend)

	x := m.wordEmb.Forward(inputIDs)
	x = x.Add(m.posEmb.Forward(posIDs))
	x = x.Add(m.typeEmb.Forward(typeIDs))
	return m.embNorm.Forward(x)
}

// extendedMask turns a 0/1 mask into additive scores broadcast over heads and queries.
func extendedMask[B tensor.Backend](mask *tensor.Tensor[int32, B], batch, seq int) *tensor.Tensor[float32, B] {
	return mask.Float32().
		MulScalar(-maskedScore).
		AddScalar(maskedScore).
		Reshape(batch, 1, 1, seq)
}

func (l *encoderLayer[B]) forward(x, mask *tensor.Tensor[float32, B], batch, seq int) *tensor.Tensor[float32, B] {
	h := l.attn.EmbedDim
	attnOut := l.attn.Forward(x, x, x, mask)
	x = l.attnNorm.Forward(x.Add(attnOut))

	flat := x.Reshape(batch*seq, h)
	ff := nn.GELUFunc(l.intermediate.Forward(flat))
	ff = l.output.Forward(ff).Reshape(batch, seq, h)
	return l.outNorm.Forward(x.Add(ff))
}

func newLinear[B tensor.Backend](in, out int, std float32, rng *rand.Rand, backend B) *nn.Linear[B] {
	lin := nn.NewLinear(in, out, backend)
	initLinear(lin, std, rng)
	return lin
}

func initLinear[B tensor.Backend](lin *nn.Linear[B], std float32, rng *rand.Rand) {
	w := lin.Weight().Tensor().Raw().AsFloat32()
	for i := range w {
		w[i] = float32(rng.NormFloat64()) * std
	}
	if b := lin.Bias(); b != nil {
		clear(b.Tensor().Raw().AsFloat32())
	}
}

func normal[B tensor.Backend](shape tensor.Shape, std float32, rng *rand.Rand, backend B) *tensor.Tensor[float32, B] {
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * std
	}
	t, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		panic(fmt.Sprintf("bert: init %v: %v", shape, err))
	}
	return t
}
