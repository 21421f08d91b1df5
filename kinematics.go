package armer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

//go:embed armer_6dof.json
var defaultModelJSON []byte

const (
	defaultModelName = "armer_6dof"

	// rdk poses are expressed in millimetres, velocities here in metres.
	mmPerMeter = 1000.0

	jacobianStep   = 1e-6
	defaultDamping = 1e-3

	ikMaxIterations = 500
	ikTolerance     = 1e-6
	ikDamping       = 0.01
	ikMaxStep       = 0.2
)

var (
	// ErrInverseKinematics is returned when no joint solution reaches the goal pose.
	ErrInverseKinematics = errors.New("inverse kinematics failed to converge")
	// ErrSingularJacobian is returned when a Jacobian system cannot be solved.
	ErrSingularJacobian = errors.New("jacobian is singular")
)

// Kinematics is the read-only view of the manipulator model used by the motion coordinator.
type Kinematics interface {
	DoF() int
	ForwardKinematics(q []float64) (spatialmath.Pose, error)
	Jacobian(q []float64) (*mat.Dense, error)
	InverseKinematics(ctx context.Context, target spatialmath.Pose, seed []float64) ([]float64, error)
}

// ModelKinematics implements Kinematics on top of an rdk kinematic model.
type ModelKinematics struct {
	model  referenceframe.Model
	limits []referenceframe.Limit
}

// NewModelKinematics wraps a parsed model.
func NewModelKinematics(model referenceframe.Model) (*ModelKinematics, error) {
	limits := model.DoF()
	if len(limits) == 0 {
		return nil, fmt.Errorf("model %q has no degrees of freedom", model.Name())
	}
	return &ModelKinematics{model: model, limits: limits}, nil
}

// LoadKinematics parses a JSON kinematics file, or the embedded 6-DOF model when path is empty.
func LoadKinematics(path string) (*ModelKinematics, error) {
	data := defaultModelJSON
	name := defaultModelName
	if path != "" {
		//nolint:gosec
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read kinematics file")
		}
		data = raw
		name = ""
	}

	m := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     data,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal json file")
	}
	model, err := m.ParseConfig(name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse kinematic model")
	}
	return NewModelKinematics(model)
}

// DoF returns the number of joints.
func (k *ModelKinematics) DoF() int {
	return len(k.limits)
}

// Limits returns the joint limits in radians.
func (k *ModelKinematics) Limits() []referenceframe.Limit {
	return append([]referenceframe.Limit(nil), k.limits...)
}

// ForwardKinematics returns the end-effector pose in the base frame (millimetres).
// Joint values outside the model limits are still evaluated.
func (k *ModelKinematics) ForwardKinematics(q []float64) (spatialmath.Pose, error) {
	if len(q) != len(k.limits) {
		return nil, fmt.Errorf("expected %d joint values, got %d", len(k.limits), len(q))
	}
	inputs := make([]referenceframe.Input, len(q))
	for i, v := range q {
		inputs[i] = v
	}
	return referenceframe.ComputeOOBPosition(k.model, inputs)
}

// Jacobian returns the 6xn base-frame geometric Jacobian at q by central differences.
// Rows 0-2 map joint rates to linear velocity in m/s, rows 3-5 to angular velocity in rad/s.
func (k *ModelKinematics) Jacobian(q []float64) (*mat.Dense, error) {
	n := len(k.limits)
	if len(q) != n {
		return nil, fmt.Errorf("expected %d joint values, got %d", n, len(q))
	}
	jac := mat.NewDense(6, n, nil)
	perturbed := append([]float64(nil), q...)
	for i := 0; i < n; i++ {
		perturbed[i] = q[i] + jacobianStep
		plus, err := k.ForwardKinematics(perturbed)
		if err != nil {
			return nil, err
		}
		perturbed[i] = q[i] - jacobianStep
		minus, err := k.ForwardKinematics(perturbed)
		if err != nil {
			return nil, err
		}
		perturbed[i] = q[i]

		linear := plus.Point().Sub(minus.Point()).Mul(1 / (2 * jacobianStep * mmPerMeter))
		angular := rotationVector(quat.Mul(plus.Orientation().Quaternion(), quat.Conj(minus.Orientation().Quaternion()))).
			Mul(1 / (2 * jacobianStep))
		jac.SetCol(i, []float64{linear.X, linear.Y, linear.Z, angular.X, angular.Y, angular.Z})
	}
	return jac, nil
}

// InverseKinematics searches for joint values reaching target, starting from seed, with a
// damped least squares iteration clamped to the joint limits.
func (k *ModelKinematics) InverseKinematics(ctx context.Context, target spatialmath.Pose, seed []float64) ([]float64, error) {
	if len(seed) != len(k.limits) {
		return nil, fmt.Errorf("expected %d seed values, got %d", len(k.limits), len(seed))
	}
	q := k.clamp(append([]float64(nil), seed...))
	for iter := 0; iter < ikMaxIterations; iter++ {
		if iter%50 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		current, err := k.ForwardKinematics(q)
		if err != nil {
			return nil, err
		}
		e := poseError(current, target)
		if norm(e) < ikTolerance {
			return q, nil
		}
		jac, err := k.Jacobian(q)
		if err != nil {
			return nil, err
		}
		dq, err := dampedPseudoInverseSolve(jac, e, ikDamping)
		if err != nil {
			return nil, err
		}
		for i := range q {
			q[i] += math.Max(-ikMaxStep, math.Min(ikMaxStep, dq[i]))
		}
		k.clamp(q)
	}
	return nil, ErrInverseKinematics
}

func (k *ModelKinematics) clamp(q []float64) []float64 {
	for i, limit := range k.limits {
		q[i] = math.Max(limit.Min, math.Min(limit.Max, q[i]))
	}
	return q
}

// poseError is the 6-vector from current to target: translation in metres, then the
// rotation vector of target*current⁻¹ in radians, both in the base frame.
func poseError(current, target spatialmath.Pose) []float64 {
	dp := target.Point().Sub(current.Point()).Mul(1 / mmPerMeter)
	dr := rotationVector(quat.Mul(target.Orientation().Quaternion(), quat.Conj(current.Orientation().Quaternion())))
	return []float64{dp.X, dp.Y, dp.Z, dr.X, dr.Y, dr.Z}
}

// rotationVector converts a unit quaternion to axis*angle, taking the short way round.
func rotationVector(q quat.Number) r3.Vector {
	if abs := quat.Abs(q); abs > 0 {
		q = quat.Scale(1/abs, q)
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := v.Norm()
	if s < 1e-12 {
		return v.Mul(2)
	}
	return v.Mul(2 * math.Atan2(s, q.Real) / s)
}

// rotateVector applies the rotation q to v.
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// dampedGram returns J*Jᵀ + λ²I.
func dampedGram(jac mat.Matrix, damping float64) *mat.Dense {
	rows, _ := jac.Dims()
	var gram mat.Dense
	gram.Mul(jac, jac.T())
	for i := 0; i < rows; i++ {
		gram.Set(i, i, gram.At(i, i)+damping*damping)
	}
	return &gram
}

// dampedPseudoInverseSolve returns Jᵀ(JJᵀ+λ²I)⁻¹v, the damped least squares joint motion
// producing the cartesian motion v.
func dampedPseudoInverseSolve(jac mat.Matrix, v []float64, damping float64) ([]float64, error) {
	rows, cols := jac.Dims()
	if len(v) != rows {
		return nil, fmt.Errorf("expected %d cartesian components, got %d", rows, len(v))
	}
	var x mat.VecDense
	if err := x.SolveVec(dampedGram(jac, damping), mat.NewVecDense(rows, append([]float64(nil), v...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularJacobian, err)
	}
	var out mat.VecDense
	out.MulVec(jac.T(), &x)
	dq := make([]float64, cols)
	for i := range dq {
		dq[i] = out.AtVec(i)
	}
	return dq, nil
}

// estimateWrench maps joint efforts to an end-effector wrench through the damped
// pseudo-inverse of Jᵀ.
func estimateWrench(jac mat.Matrix, efforts []float64) (Wrench, error) {
	rows, cols := jac.Dims()
	if len(efforts) != cols {
		return Wrench{}, fmt.Errorf("expected %d joint efforts, got %d", cols, len(efforts))
	}
	var jt mat.VecDense
	jt.MulVec(jac, mat.NewVecDense(cols, append([]float64(nil), efforts...)))
	var w mat.VecDense
	if err := w.SolveVec(dampedGram(jac, defaultDamping), &jt); err != nil {
		return Wrench{}, fmt.Errorf("%w: %v", ErrSingularJacobian, err)
	}
	out := make([]float64, rows)
	for i := range out {
		out[i] = w.AtVec(i)
	}
	return WrenchFromSlice(out)
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
