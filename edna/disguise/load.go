package disguise

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type schemaFile struct {
	Principal struct {
		Table   string            `mapstructure:"table"`
		ID      string            `mapstructure:"id"`
		Columns map[string]string `mapstructure:"columns"`
	} `mapstructure:"principal"`
	Tables []struct {
		Name   string       `mapstructure:"name"`
		IDs    []string     `mapstructure:"ids"`
		Owners []ForeignKey `mapstructure:"owners"`
		FKs    []ForeignKey `mapstructure:"fks"`
	} `mapstructure:"tables"`
}

type disguiseFile struct {
	Name      string `mapstructure:"name"`
	Principal string `mapstructure:"principal"`
	Tables    []struct {
		Name       string `mapstructure:"name"`
		Transforms []struct {
			Type      string   `mapstructure:"type"`
			Pred      string   `mapstructure:"pred"`
			Join      string   `mapstructure:"join"`
			Column    string   `mapstructure:"column"`
			Generator string   `mapstructure:"generator"`
			Owners    []string `mapstructure:"owners"`
			GroupBy   []string `mapstructure:"group_by"`
		} `mapstructure:"transforms"`
	} `mapstructure:"tables"`
}

func readYAML(path string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if err := v.Unmarshal(out); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	return nil
}

// LoadSchema reads table metadata and the pseudoprincipal generator from a
// YAML file.
func LoadSchema(path string) (*Schema, error) {
	var f schemaFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	if f.Principal.Table == "" || f.Principal.ID == "" {
		return nil, errors.Errorf("%s: principal.table and principal.id are required", path)
	}
	gen := &PseudoprincipalGenerator{Table: f.Principal.Table, IDCol: f.Principal.ID}
	if _, ok := f.Principal.Columns[f.Principal.ID]; !ok {
		gen.Columns = append(gen.Columns, ColumnGenerator{Col: f.Principal.ID, Gen: mustGenerator("rand_int")})
	}
	for col, tag := range f.Principal.Columns {
		g, err := Generator(tag)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: principal column %s", path, col)
		}
		gen.Columns = append(gen.Columns, ColumnGenerator{Col: col, Gen: g})
	}

	schema := &Schema{Tables: make(map[string]TableInfo, len(f.Tables)), Generator: gen}
	for _, t := range f.Tables {
		schema.Tables[t.Name] = TableInfo{Name: t.Name, IDCols: t.IDs, Owners: t.Owners, FKs: t.FKs}
	}
	if _, ok := schema.Tables[gen.Table]; !ok {
		schema.Tables[gen.Table] = TableInfo{
			Name:   gen.Table,
			IDCols: []string{gen.IDCol},
			Owners: []ForeignKey{{Col: gen.IDCol, RefTable: gen.Table, RefCol: gen.IDCol}},
		}
	}
	return schema, nil
}

// LoadDisguise reads a disguise from a YAML file. A non-empty principal
// overrides the one named in the file.
func LoadDisguise(path, principal string) (*Disguise, error) {
	var f disguiseFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	d := &Disguise{Name: f.Name, Principal: f.Principal}
	if principal != "" {
		d.Principal = principal
	}
	for _, t := range f.Tables {
		td := TableDisguise{Table: t.Name}
		for _, tr := range t.Transforms {
			kind, err := ParseTransformKind(tr.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: table %s", path, t.Name)
			}
			x := Transform{
				Kind:      kind,
				Pred:      tr.Pred,
				Join:      tr.Join,
				Column:    tr.Column,
				OwnerCols: tr.Owners,
				GroupBy:   tr.GroupBy,
			}
			if kind == Modify {
				g, err := Generator(tr.Generator)
				if err != nil {
					return nil, errors.Wrapf(err, "%s: table %s", path, t.Name)
				}
				x.Generator = g
			}
			td.Transforms = append(td.Transforms, x)
		}
		d.Tables = append(d.Tables, td)
	}
	return d, nil
}

func mustGenerator(tag string) ValueGenerator {
	g, err := Generator(tag)
	if err != nil {
		panic(err)
	}
	return g
}
