package scenario

import (
	"io"
	"math"
	"strconv"
	"strings"
	"text/template"

	"softbot/internal/config"
)

// VXA renders the XML scenario format understood by voxelyze-based
// simulators.
type VXA struct {
	materials config.MaterialsConfig
	structure config.StructureConfig
	tmpl      *template.Template
}

func NewVXA(materials config.MaterialsConfig, structure config.StructureConfig) (*VXA, error) {
	tmpl, err := template.New("vxa").Funcs(template.FuncMap{
		"bit": func(b bool) int {
			if b {
				return 1
			}
			return 0
		},
		"num": formatNum,
	}).Parse(vxaTemplate)
	if err != nil {
		return nil, err
	}
	return &VXA{materials: materials, structure: structure, tmpl: tmpl}, nil
}

type vxaView struct {
	M            config.MaterialsConfig
	FitnessFile  string
	Dims         [3]int
	MinStiffness float64
	MaxStiffness float64
	Layers       []string
	PhaseOffsets []string
	Stiffness    []string
}

func (v *VXA) Serialize(w io.Writer, in Input) error {
	if err := in.Validate(); err != nil {
		return err
	}
	per := in.Dims[0] * in.Dims[1]
	view := vxaView{
		M:            v.materials,
		FitnessFile:  in.FitnessFile,
		Dims:         in.Dims,
		MinStiffness: v.structure.MinStiffness,
		MaxStiffness: v.structure.MaxStiffness,
	}
	phase := phaseRow(in.Dims, v.materials.PhaseOffset)
	for z := 0; z < in.Dims[2]; z++ {
		var layer strings.Builder
		for _, m := range in.Morphology[z*per : (z+1)*per] {
			layer.WriteString(strconv.Itoa(m))
		}
		view.Layers = append(view.Layers, layer.String())
		view.PhaseOffsets = append(view.PhaseOffsets, phase)

		stiff := make([]string, per)
		for i, s := range in.Stiffness[z*per : (z+1)*per] {
			stiff[i] = formatNum(s)
		}
		view.Stiffness = append(view.Stiffness, strings.Join(stiff, ","))
	}
	return v.tmpl.Execute(w, view)
}

// phaseRow is one layer of per-voxel actuation phase: -x*offset, rounded to
// one decimal, repeated for every y row.
func phaseRow(dims [3]int, offset float64) string {
	row := make([]string, 0, dims[0]*dims[1])
	for y := 0; y < dims[1]; y++ {
		for x := 0; x < dims[0]; x++ {
			row = append(row, formatNum(math.Round(-float64(x)*offset*10)/10+0))
		}
	}
	return strings.Join(row, ",")
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

const vxaTemplate = `<?xml version="1.0" encoding="ISO-8859-1"?>
<VXA Version="1.0">
<Simulator>
<Integration>
<Integrator>{{.M.Integrator}}</Integrator>
<DtFrac>{{num .M.DtFrac}}</DtFrac>
</Integration>
<Damping>
<BondDampingZ>{{num .M.BondDampingZ}}</BondDampingZ>
<ColDampingZ>{{num .M.ColDampingZ}}</ColDampingZ>
<SlowDampingZ>{{num .M.SlowDampingZ}}</SlowDampingZ>
</Damping>
<Collisions>
<SelfColEnabled>{{bit .M.SelfCollisions}}</SelfColEnabled>
<ColSystem>3</ColSystem>
<CollisionHorizon>{{num .M.CollisionHorizon}}</CollisionHorizon>
</Collisions>
<StopCondition>
<StopConditionType>{{.M.StopConditionType}}</StopConditionType>
<StopConditionValue>{{num .M.StopConditionValue}}</StopConditionValue>
<InitCmTime>{{num .M.InitCmTime}}</InitCmTime>
</StopCondition>
<GA>
<WriteFitnessFile>1</WriteFitnessFile>
<FitnessFileName>{{.FitnessFile}}</FitnessFileName>
</GA>
</Simulator>
<Environment>
<Gravity>
<GravEnabled>{{bit .M.GravityEnabled}}</GravEnabled>
<GravAcc>{{num .M.GravityAcc}}</GravAcc>
<FloorEnabled>{{bit .M.FloorEnabled}}</FloorEnabled>
</Gravity>
<Thermal>
<TempEnabled>{{bit .M.TempEnabled}}</TempEnabled>
<TempAmp>{{num .M.TempAmplitude}}</TempAmp>
<TempBase>{{num .M.TempBase}}</TempBase>
<VaryTempEnabled>1</VaryTempEnabled>
<TempPeriod>{{num .M.TempPeriod}}</TempPeriod>
</Thermal>
</Environment>
<VXC Version="0.94">
<Lattice>
<Lattice_Dim>{{num .M.LatticeDim}}</Lattice_Dim>
</Lattice>
<Palette>
{{- range .M.Palette}}
<Material ID="{{.ID}}">
<MatType>0</MatType>
<Name>{{.Name}}</Name>
<Mechanical>
<MatModel>0</MatModel>
<Elastic_Mod>{{num .ElasticMod}}</Elastic_Mod>
<Density>{{num .Density}}</Density>
<Poissons_Ratio>{{num .PoissonsRatio}}</Poissons_Ratio>
<CTE>{{num .CTE}}</CTE>
<uStatic>{{num .FrictionStatic}}</uStatic>
<uDynamic>{{num .FrictionDynamic}}</uDynamic>
</Mechanical>
</Material>
{{- end}}
</Palette>
<Structure Compression="ASCII_READABLE">
<X_Voxels>{{index .Dims 0}}</X_Voxels>
<Y_Voxels>{{index .Dims 1}}</Y_Voxels>
<Z_Voxels>{{index .Dims 2}}</Z_Voxels>
<Data>
{{- range .Layers}}
<Layer><![CDATA[{{.}}]]></Layer>
{{- end}}
</Data>
<PhaseOffset>
{{- range .PhaseOffsets}}
<Layer><![CDATA[{{.}}]]></Layer>
{{- end}}
</PhaseOffset>
<Stiffness>
<MinElasticMod>{{num .MinStiffness}}</MinElasticMod>
<MaxElasticMod>{{num .MaxStiffness}}</MaxElasticMod>
{{- range .Stiffness}}
<Layer><![CDATA[{{.}}]]></Layer>
{{- end}}
</Stiffness>
</Structure>
</VXC>
</VXA>
`
