// file: internal/catalogctl/util/printer.go

package util

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"sigs.k8s.io/yaml"
)

// 支持的输出格式
const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

// PrintEntities 按 format 打印实体列表。
func PrintEntities(out io.Writer, entities []catalog.Entity, format string) error {
	switch format {
	case "", OutputTable:
		PrintEntitiesTable(out, entities)
		return nil
	case OutputJSON, OutputYAML:
		raws := make([]*metav1.RawEntity, 0, len(entities))
		for _, e := range entities {
			raw, err := e.ToRaw()
			if err != nil {
				return err
			}
			raws = append(raws, raw)
		}
		return printStructured(out, raws, format)
	default:
		return fmt.Errorf("unknown output format %q, must be one of table, json, yaml", format)
	}
}

// PrintEntitiesTable 将实体列表以表格形式打印到指定的 writer。
func PrintEntitiesTable(out io.Writer, entities []catalog.Entity) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tKIND\tSOURCE\tSTATUS\tLABELS\tUID")

	for _, e := range entities {
		meta := e.GetMetadata()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			meta.Name,
			e.GetTypeMeta().Kind,
			valueOrNone(meta.Source),
			valueOrNone(e.GetStatus().Phase),
			formatLabels(meta.Labels),
			meta.UID,
		)
	}
}

// PrintEvent 打印一条变更事件，用于 watch。
func PrintEvent(out io.Writer, event metav1.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%-7s %s %s\n", strings.ToUpper(string(event.Type)), event.UID, data)
	return err
}

func printStructured(out io.Writer, obj interface{}, format string) error {
	var (
		data []byte
		err  error
	)
	if format == OutputYAML {
		data, err = yaml.Marshal(obj)
	} else {
		data, err = json.MarshalIndent(obj, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// formatLabels 把标签格式化为按键排序的 "k=v,k=v"
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "<none>"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func valueOrNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
